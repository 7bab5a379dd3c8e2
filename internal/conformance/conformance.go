// Package conformance checks the blockwise engine against the dense
// reference over a grid of block sizes, traversal orders and shard counts.
//
// Every case runs on the same seeded Q, K and V. A case passes when the
// largest absolute difference to the reference is within the tolerance.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/dense"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/reduction"
	"github.com/google/uuid"
)

// DefaultTolerance is the absolute error allowed against the dense reference.
const DefaultTolerance = 1e-6

// ErrInvalidConfig is returned for an unusable run configuration.
var ErrInvalidConfig = errors.New("conformance: invalid config")

// Config describes a conformance run.
type Config struct {
	Queries  int   `json:"queries"`
	Keys     int   `json:"keys"`
	Dim      int   `json:"dim"`
	ValueDim int   `json:"value_dim"`
	Seed     int64 `json:"seed"`

	QBlockSizes []int `json:"q_block_sizes"`
	KBlockSizes []int `json:"k_block_sizes"`
	Shards      []int `json:"shards"`

	Scale     float64 `json:"scale"`
	Causal    bool    `json:"causal"`
	Tolerance float64 `json:"tolerance"`

	Logger logger.Logger `json:"-"`
}

// DefaultConfig is the 20x5 / 16x5 scenario with every key block size from 1
// to the full key length.
func DefaultConfig() Config {
	kbs := make([]int, 16)
	for i := range kbs {
		kbs[i] = i + 1
	}
	return Config{
		Queries:     20,
		Keys:        16,
		Dim:         5,
		ValueDim:    5,
		Seed:        42,
		QBlockSizes: []int{1, 2, 3, 7, 20},
		KBlockSizes: kbs,
		Shards:      []int{2, 3, 4},
		Tolerance:   DefaultTolerance,
	}
}

func (c Config) validate() error {
	if c.Queries < 0 || c.Keys < 0 {
		return fmt.Errorf("%w: sequence lengths %d, %d", ErrInvalidConfig, c.Queries, c.Keys)
	}
	if c.Dim < 1 || c.ValueDim < 1 {
		return fmt.Errorf("%w: dims %d, %d must be >= 1", ErrInvalidConfig, c.Dim, c.ValueDim)
	}
	if len(c.QBlockSizes) == 0 || len(c.KBlockSizes) == 0 {
		return fmt.Errorf("%w: no block sizes", ErrInvalidConfig)
	}
	for _, s := range append(append([]int(nil), c.QBlockSizes...), c.KBlockSizes...) {
		if s < 1 {
			return fmt.Errorf("%w: block size %d must be >= 1", ErrInvalidConfig, s)
		}
	}
	for _, s := range c.Shards {
		if s < 1 {
			return fmt.Errorf("%w: shard count %d must be >= 1", ErrInvalidConfig, s)
		}
	}
	if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return fmt.Errorf("%w: scale %v", ErrInvalidConfig, c.Scale)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance %v", ErrInvalidConfig, c.Tolerance)
	}
	return nil
}

// Case is the outcome of one configuration.
type Case struct {
	Name        string        `json:"name"`
	Mode        string        `json:"mode"`
	Order       string        `json:"order,omitempty"`
	QBlock      int           `json:"q_block,omitempty"`
	KBlock      int           `json:"k_block,omitempty"`
	Shards      int           `json:"shards,omitempty"`
	MaxAbsError float64       `json:"max_abs_error"`
	Passed      bool          `json:"passed"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Report collects every case of a run.
type Report struct {
	RunID       string        `json:"run_id"`
	Started     time.Time     `json:"started"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Config      Config        `json:"config"`
	Cases       []Case        `json:"cases"`
	MaxAbsError float64       `json:"max_abs_error"`
	Passed      bool          `json:"passed"`
}

// Failed returns the cases over tolerance.
func (r *Report) Failed() []Case {
	var out []Case
	for _, c := range r.Cases {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// runner holds the shared inputs and references of one run.
type runner struct {
	cfg     Config
	q, k, v *matrix.Matrix
	mask    blockwise.Mask

	wantOut     *matrix.Matrix
	wantWeights *matrix.Matrix
	scores      *matrix.Matrix

	report *Report
}

// Run executes every case of cfg and returns the report. An error means a
// case could not run at all; numerical failures are recorded in the report.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := logger.Or(cfg.Logger)

	r := &runner{
		cfg: cfg,
		q:   matrix.Randn(cfg.Queries, cfg.Dim, cfg.Seed),
		k:   matrix.Randn(cfg.Keys, cfg.Dim, cfg.Seed+1),
		v:   matrix.Randn(cfg.Keys, cfg.ValueDim, cfg.Seed+2),
		report: &Report{
			RunID:   uuid.NewString(),
			Started: time.Now(),
			Config:  cfg,
			Passed:  true,
		},
	}
	if cfg.Causal {
		r.mask = blockwise.CausalMask{}
	}
	if err := r.references(); err != nil {
		return nil, err
	}

	log.Info("conformance run started", "run_id", r.report.RunID,
		"queries", cfg.Queries, "keys", cfg.Keys, "causal", cfg.Causal)

	steps := []func(context.Context) error{r.scalar, r.attention, r.weights, r.permuted, r.sharded}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := runStep(ctx, step); err != nil {
			return nil, err
		}
	}

	r.report.Elapsed = time.Since(r.report.Started)
	log.Info("conformance run finished", "run_id", r.report.RunID,
		"cases", len(r.report.Cases), "failed", len(r.report.Failed()),
		"max_abs_error", r.report.MaxAbsError, "elapsed", r.report.Elapsed)
	return r.report, nil
}

// runStep runs step, returning a *blockwise.InstabilityError panic as an
// error. Any other panic propagates.
func runStep(ctx context.Context, step func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			instab, ok := p.(*blockwise.InstabilityError)
			if !ok {
				panic(p)
			}
			err = fmt.Errorf("conformance: %w", instab)
		}
	}()
	return step(ctx)
}

func (r *runner) opts() dense.Options {
	opts := dense.Options{Scale: r.cfg.Scale, Epsilon: online.Epsilon}
	if r.mask != nil {
		opts.Mask = r.mask.Allowed
	}
	return opts
}

func (r *runner) base(qb, kb int, order blockwise.Order) blockwise.Config {
	return blockwise.Config{
		QBlockSize: qb,
		KBlockSize: kb,
		Scale:      r.cfg.Scale,
		Order:      order,
		Mask:       r.mask,
		Logger:     r.cfg.Logger,
	}
}

func (r *runner) references() error {
	var err error
	if r.wantOut, err = dense.Attention(r.q, r.k, r.v, r.opts()); err != nil {
		return err
	}
	if r.wantWeights, err = dense.Weights(r.q, r.k, r.opts()); err != nil {
		return err
	}
	r.scores, err = dense.Scores(r.q, r.k, r.opts())
	return err
}

func (r *runner) record(c Case, want, got *matrix.Matrix, start time.Time) error {
	diff, err := matrix.MaxAbsDiff(want, got)
	if err != nil {
		return fmt.Errorf("conformance: %s: %w", c.Name, err)
	}
	c.MaxAbsError = diff
	c.Passed = diff <= r.cfg.Tolerance
	c.Elapsed = time.Since(start)

	r.report.Cases = append(r.report.Cases, c)
	r.report.MaxAbsError = max(r.report.MaxAbsError, diff)
	if !c.Passed {
		r.report.Passed = false
	}
	return nil
}

// scalar checks the streaming and chunked scalar softmax row by row against
// the dense weights.
func (r *runner) scalar(context.Context) error {
	start := time.Now()
	stream := matrix.New(r.scores.Rows, r.scores.Cols)
	for i := 0; i < r.scores.Rows; i++ {
		var s online.Stream
		for _, x := range r.scores.Row(i) {
			s.Push(x)
		}
		final := s.State()
		for j, x := range r.scores.Row(i) {
			stream.Row(i)[j] = final.Weight(x, online.Epsilon)
		}
	}
	if err := r.record(Case{Name: "softmax/stream", Mode: "softmax"}, r.wantWeights, stream, start); err != nil {
		return err
	}

	for _, kb := range r.cfg.KBlockSizes {
		start := time.Now()
		chunked := matrix.New(r.scores.Rows, r.scores.Cols)
		for i := 0; i < r.scores.Rows; i++ {
			copy(chunked.Row(i), online.SoftmaxChunked(r.scores.Row(i), kb, online.Epsilon))
		}
		c := Case{Name: fmt.Sprintf("softmax/chunked/k%d", kb), Mode: "softmax", KBlock: kb}
		if err := r.record(c, r.wantWeights, chunked, start); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) attention(context.Context) error {
	for _, order := range []blockwise.Order{blockwise.QueryMajor, blockwise.KeyMajor} {
		for _, qb := range r.cfg.QBlockSizes {
			for _, kb := range r.cfg.KBlockSizes {
				start := time.Now()
				res, err := blockwise.Compute(r.q, r.k, r.v, r.base(qb, kb, order))
				if err != nil {
					return err
				}
				c := Case{
					Name:   fmt.Sprintf("attention/%s/q%d/k%d", order, qb, kb),
					Mode:   "attention",
					Order:  order.String(),
					QBlock: qb,
					KBlock: kb,
				}
				if err := r.record(c, r.wantOut, res.Output, start); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *runner) weights(context.Context) error {
	for _, order := range []blockwise.Order{blockwise.QueryMajor, blockwise.KeyMajor} {
		qb := r.cfg.QBlockSizes[0]
		for _, kb := range r.cfg.KBlockSizes {
			start := time.Now()
			res, err := blockwise.Weights(r.q, r.k, r.base(qb, kb, order))
			if err != nil {
				return err
			}
			c := Case{
				Name:   fmt.Sprintf("weights/%s/q%d/k%d", order, qb, kb),
				Mode:   "weights",
				Order:  order.String(),
				QBlock: qb,
				KBlock: kb,
			}
			if err := r.record(c, r.wantWeights, res.Weights, start); err != nil {
				return err
			}
		}
	}
	return nil
}

// permuted visits the key blocks in reverse.
func (r *runner) permuted(context.Context) error {
	qb := r.cfg.QBlockSizes[0]
	for _, kb := range r.cfg.KBlockSizes {
		n := len(blockwise.Partition(r.cfg.Keys, kb))
		perm := make([]int, n)
		for i := range perm {
			perm[i] = n - 1 - i
		}

		start := time.Now()
		cfg := r.base(qb, kb, blockwise.QueryMajor)
		cfg.KeyBlockOrder = perm
		res, err := blockwise.Compute(r.q, r.k, r.v, cfg)
		if err != nil {
			return err
		}
		c := Case{
			Name:   fmt.Sprintf("attention/reversed/q%d/k%d", qb, kb),
			Mode:   "attention",
			Order:  "reversed",
			QBlock: qb,
			KBlock: kb,
		}
		if err := r.record(c, r.wantOut, res.Output, start); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) sharded(ctx context.Context) error {
	qb := r.cfg.QBlockSizes[0]
	for _, shards := range r.cfg.Shards {
		for _, kb := range r.cfg.KBlockSizes {
			start := time.Now()
			res, err := reduction.Shard(ctx, r.q, r.k, r.v, reduction.ShardConfig{
				Config: r.base(qb, kb, blockwise.QueryMajor),
				Shards: shards,
			})
			if err != nil {
				return err
			}
			c := Case{
				Name:   fmt.Sprintf("sharded/s%d/q%d/k%d", shards, qb, kb),
				Mode:   "sharded",
				QBlock: qb,
				KBlock: kb,
				Shards: shards,
			}
			if err := r.record(c, r.wantOut, res.Output, start); err != nil {
				return err
			}
		}
	}
	return nil
}
