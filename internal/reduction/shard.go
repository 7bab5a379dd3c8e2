package reduction

import (
	"context"
	"fmt"
	"runtime"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"golang.org/x/sync/errgroup"
)

// ShardConfig configures a sharded computation.
type ShardConfig struct {
	blockwise.Config

	// Shards is the number of contiguous key/value ranges the keys are split
	// into. Shard boundaries always fall on key block boundaries. 0 means 1.
	Shards int

	// Workers caps the number of shards computed at once. 0 means
	// runtime.GOMAXPROCS(0).
	Workers int
}

// Range is a contiguous run of key rows [Start, End) assigned to one shard.
type Range struct {
	Start, End int
}

// Split divides nk keys into at most shards contiguous ranges, each made of
// whole blocks of blockSize keys. Fewer ranges are returned when there are
// fewer blocks than shards; none when nk == 0.
func Split(nk, blockSize, shards int) []Range {
	blocks := blockwise.Partition(nk, blockSize)
	if len(blocks) == 0 {
		return nil
	}
	shards = min(max(shards, 1), len(blocks))

	per := (len(blocks) + shards - 1) / shards
	var out []Range
	for _, g := range blockwise.Partition(len(blocks), per) {
		out = append(out, Range{Start: blocks[g.Start].Start, End: blocks[g.End-1].End})
	}
	return out
}

// Shard computes blockwise attention by splitting the keys and values into
// shards, running blockwise.Compute on each shard independently and
// tree-combining the per-row partial states.
//
// Masks keep seeing global key indices: each shard runs with KeyOffset set to
// its first key. The result matches a single blockwise.Compute up to rounding.
// The context cancels shards that have not started yet. A panic in any shard
// (such as *blockwise.InstabilityError) is re-raised on the caller.
func Shard(ctx context.Context, q, k, v *matrix.Matrix, cfg ShardConfig) (*blockwise.Result, error) {
	const op = "reduction.Shard"

	if v == nil {
		return nil, &blockwise.ShapeError{Op: op, Operand: "value", Details: "nil matrix"}
	}
	if cfg.Shards < 0 || cfg.Workers < 0 {
		return nil, fmt.Errorf("%s: %w: shards %d, workers %d", op, blockwise.ErrInvalidConfig, cfg.Shards, cfg.Workers)
	}
	if cfg.KeyBlockOrder != nil {
		return nil, fmt.Errorf("%s: %w: key block order is not supported across shards", op, blockwise.ErrInvalidConfig)
	}
	if err := blockwise.Validate(q, k, v, cfg.Config); err != nil {
		return nil, err
	}

	log := logger.Or(cfg.Logger)
	ranges := Split(k.Rows, cfg.KBlockSize, cfg.Shards)
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	log.Debug("sharded compute", "queries", q.Rows, "keys", k.Rows, "shards", len(ranges), "workers", workers)

	parts := make([][]PartialResult, len(ranges))
	panics := make([]any, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range ranges {
		g.Go(func() error {
			defer func() { panics[i] = recover() }()
			if err := gctx.Err(); err != nil {
				return err
			}

			sub := cfg.Config
			sub.KeyOffset = cfg.KeyOffset + r.Start
			res, err := blockwise.Compute(q, k.RowSlice(r.Start, r.End), v.RowSlice(r.Start, r.End), sub)
			if err != nil {
				return fmt.Errorf("%s: shard %d [%d,%d): %w", op, i, r.Start, r.End, err)
			}
			parts[i] = FromStates(res.States, 0)
			log.Debug("shard done", "shard", i, "start", r.Start, "end", r.End)
			return nil
		})
	}
	err := g.Wait()
	for _, p := range panics {
		if p != nil {
			panic(p)
		}
	}
	if err != nil {
		return nil, err
	}

	var all []PartialResult
	for _, p := range parts {
		all = append(all, p...)
	}
	states, err := CombineRows(all, q.Rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range states {
		if states[i].Output == nil {
			states[i] = online.Identity(v.Cols)
		}
	}

	return &blockwise.Result{
		Output:  blockwise.Finalize(states, v.Cols, cfg.Epsilon),
		States:  states,
		QBlocks: len(blockwise.Partition(q.Rows, cfg.QBlockSize)),
		KBlocks: len(blockwise.Partition(k.Rows, cfg.KBlockSize)),
	}, nil
}
