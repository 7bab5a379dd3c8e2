package blockwise

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/parallel"
)

// Order selects how query and key/value blocks are traversed.
type Order int

const (
	// QueryMajor visits every key/value block for one query block before
	// moving to the next query block. Only the current query block's row
	// states are live.
	QueryMajor Order = iota
	// KeyMajor visits every query block for one key/value block before
	// moving to the next key/value block. All row states stay live for the
	// whole pass, and each key/value block is loaded once.
	KeyMajor
)

// String returns the config name of the order.
func (o Order) String() string {
	switch o {
	case QueryMajor:
		return "query-major"
	case KeyMajor:
		return "key-major"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// ParseOrder parses "query-major" or "key-major" (underscores accepted).
func ParseOrder(s string) (Order, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "", "query-major", "query":
		return QueryMajor, nil
	case "key-major", "key":
		return KeyMajor, nil
	default:
		return 0, fmt.Errorf("%w: unknown order %q", ErrInvalidConfig, s)
	}
}

// Config configures a blockwise computation.
//
// The zero value is not usable: QBlockSize and KBlockSize are required.
//
// Example:
//
//	cfg := blockwise.Config{
//	    QBlockSize: 2,
//	    KBlockSize: 4,
//	    Order:      blockwise.KeyMajor,
//	}
//	res, err := blockwise.Compute(q, k, v, cfg)
type Config struct {
	QBlockSize int     // Rows per query block (>= 1).
	KBlockSize int     // Rows per key/value block (>= 1).
	Scale      float64 // Multiplied into every score; 0 means 1.
	Epsilon    float64 // Normalizer floor; 0 means online.Epsilon.
	Order      Order   // Block traversal order.

	// KeyBlockOrder optionally permutes the key/value blocks visited for
	// each row. It must be a permutation of [0, number of key blocks).
	KeyBlockOrder []int

	Mask      Mask // Optional; disallowed pairs score -Inf.
	KeyOffset int  // Global index of key row 0, as seen by Mask.

	Parallel parallel.Config // Row-block data parallelism.
	Logger   logger.Logger   // Nil disables logging.
}

// plan is a validated Config with defaults applied.
type plan struct {
	scale     float64
	eps       float64
	order     Order
	mask      Mask
	keyOffset int
	qBlocks   []Block
	kBlocks   []Block
	kOrder    []int
	qMax      int
	kMax      int
	parallel  parallel.Config
	log       logger.Logger
}

func (c Config) plan(op string, nq, nk int) (*plan, error) {
	if c.QBlockSize < 1 {
		return nil, fmt.Errorf("%s: %w: query block size %d must be >= 1", op, ErrInvalidConfig, c.QBlockSize)
	}
	if c.KBlockSize < 1 {
		return nil, fmt.Errorf("%s: %w: key block size %d must be >= 1", op, ErrInvalidConfig, c.KBlockSize)
	}
	if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return nil, fmt.Errorf("%s: %w: scale %v", op, ErrInvalidConfig, c.Scale)
	}
	if math.IsNaN(c.Epsilon) || math.IsInf(c.Epsilon, 0) || c.Epsilon < 0 {
		return nil, fmt.Errorf("%s: %w: epsilon %v must be finite and >= 0", op, ErrInvalidConfig, c.Epsilon)
	}
	if c.Order != QueryMajor && c.Order != KeyMajor {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidConfig, c.Order)
	}
	if c.KeyOffset < 0 {
		return nil, fmt.Errorf("%s: %w: key offset %d must be >= 0", op, ErrInvalidConfig, c.KeyOffset)
	}

	p := &plan{
		scale:     c.Scale,
		eps:       c.Epsilon,
		order:     c.Order,
		mask:      c.Mask,
		keyOffset: c.KeyOffset,
		qBlocks:   Partition(nq, c.QBlockSize),
		kBlocks:   Partition(nk, c.KBlockSize),
		qMax:      c.QBlockSize,
		kMax:      c.KBlockSize,
		parallel:  c.Parallel,
		log:       logger.Or(c.Logger),
	}
	if p.scale == 0 {
		p.scale = 1
	}
	if p.eps == 0 {
		p.eps = online.Epsilon
	}

	kOrder, err := blockOrder(c.KeyBlockOrder, len(p.kBlocks))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.kOrder = kOrder

	return p, nil
}

// blockOrder validates perm as a permutation of [0, n), or returns the
// identity order when perm is nil.
func blockOrder(perm []int, n int) ([]int, error) {
	if perm == nil {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order, nil
	}
	if len(perm) != n {
		return nil, fmt.Errorf("%w: key block order has %d entries for %d blocks", ErrInvalidConfig, len(perm), n)
	}
	seen := make([]bool, n)
	for _, j := range perm {
		if j < 0 || j >= n || seen[j] {
			return nil, fmt.Errorf("%w: key block order %v is not a permutation of [0,%d)", ErrInvalidConfig, perm, n)
		}
		seen[j] = true
	}
	return append([]int(nil), perm...), nil
}
