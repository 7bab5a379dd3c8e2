// Package blockwise computes softmax attention over query/key/value
// sequences in bounded per-block memory.
//
// The score matrix Q·Kᵀ is never materialized. Queries and keys/values are
// split into blocks; for each (query block, key block) pair a small score tile
// is computed and every row of the tile is folded into that row's running
// online.State. Once all key blocks are folded, a row's output is
// Output / (Sum + Epsilon).
//
// Algorithm (query-major):
//
//	for each query block Qi:
//	    state[r] = identity for r in Qi
//	    for each key/value block (Kj, Vj):
//	        S = scale * Qi @ Kjᵀ            (|Qi| x |Kj| tile)
//	        state[r] = Reduce(state[r], S[r], Vj)
//	    out[r] = state[r].Output / (state[r].Sum + eps)
//
// Key-major swaps the two loops and keeps all row states alive. Both orders,
// and any permutation of key blocks, give the same result up to rounding.
package blockwise

import (
	"fmt"
	"math"

	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/parallel"
)

// Result is the output of the value-aggregating mode.
type Result struct {
	// Output is the n_q x d_v matrix of softmax-weighted values.
	Output *matrix.Matrix
	// States holds the un-normalized running state of every row, ready to be
	// merged with partial results over other keys.
	States []online.State
	// QBlocks and KBlocks are the number of blocks each sequence was split into.
	QBlocks int
	KBlocks int
}

// Compute returns softmax(scale * Q·Kᵀ + mask)·V without materializing the
// score matrix.
//
// Parameters:
//   - q: [n_q, d] queries.
//   - k: [n_k, d] keys.
//   - v: [n_k, d_v] values.
//   - cfg: block sizes, traversal order, mask, scale.
//
// Shape and config errors are returned before any work is done. A row with no
// contributing key (n_k == 0 or fully masked) yields the zero vector.
//
// Example:
//
//	q := matrix.Randn(20, 5, 1)
//	k := matrix.Randn(16, 5, 2)
//	v := matrix.Randn(16, 5, 3)
//	res, err := blockwise.Compute(q, k, v, blockwise.Config{QBlockSize: 2, KBlockSize: 4})
func Compute(q, k, v *matrix.Matrix, cfg Config) (*Result, error) {
	const op = "blockwise.Compute"

	if v == nil {
		return nil, &ShapeError{Op: op, Operand: "value", Details: "nil matrix (use Weights for softmax-only mode)"}
	}
	if err := validateInputs(op, q, k, v); err != nil {
		return nil, err
	}
	p, err := cfg.plan(op, q.Rows, k.Rows)
	if err != nil {
		return nil, err
	}
	if err := checkMask(op, p.mask, q.Rows, k.Rows, p.keyOffset); err != nil {
		return nil, err
	}

	p.log.Debug("blockwise compute",
		"queries", q.Rows, "keys", k.Rows, "dim", q.Cols, "value_dim", v.Cols,
		"q_blocks", len(p.qBlocks), "k_blocks", len(p.kBlocks), "order", p.order)

	states := make([]online.State, q.Rows)
	for i := range states {
		states[i] = online.Identity(v.Cols)
	}

	switch p.order {
	case KeyMajor:
		keyMajor(states, q, k, v, p)
	default:
		queryMajor(states, q, k, v, p)
	}

	return &Result{
		Output:  Finalize(states, v.Cols, p.eps),
		States:  states,
		QBlocks: len(p.qBlocks),
		KBlocks: len(p.kBlocks),
	}, nil
}

// queryMajor folds every key block into one query block at a time. Query
// blocks own disjoint rows, so they are distributed across goroutines.
func queryMajor(states []online.State, q, k, v *matrix.Matrix, p *plan) {
	parallel.ForRange(len(p.qBlocks), func(start, end int) {
		tile := make([]float64, p.qMax*p.kMax)
		vals := make([][]float64, p.kMax)

		for _, qb := range p.qBlocks[start:end] {
			for _, j := range p.kOrder {
				kb := p.kBlocks[j]
				foldTile(states, q, k, v, qb, kb, tile, vals, p)
			}
		}
	}, p.parallel)
}

// keyMajor loads each key block once and folds it into every query block.
// All row states stay live across the outer loop.
func keyMajor(states []online.State, q, k, v *matrix.Matrix, p *plan) {
	for _, j := range p.kOrder {
		kb := p.kBlocks[j]
		parallel.ForRange(len(p.qBlocks), func(start, end int) {
			tile := make([]float64, p.qMax*p.kMax)
			vals := make([][]float64, p.kMax)
			for _, qb := range p.qBlocks[start:end] {
				foldTile(states, q, k, v, qb, kb, tile, vals, p)
			}
		}, p.parallel)
	}
}

// foldTile computes the (qb, kb) score tile and folds each of its rows into
// the corresponding row state.
func foldTile(
	states []online.State,
	q, k, v *matrix.Matrix,
	qb, kb Block,
	tile []float64,
	vals [][]float64,
	p *plan,
) {
	width := kb.Len()
	scores := scoreBlock(tile, q, k, qb, kb, p)
	values := valueRows(vals, v, kb)

	for i := qb.Start; i < qb.End; i++ {
		r := i - qb.Start
		states[i] = online.Reduce(states[i], scores[r*width:(r+1)*width], values)
	}
}

// Finalize normalizes every row state into an n x dim output matrix,
// computing Output / (Sum + eps) per row. eps <= 0 means online.Epsilon.
//
// Panics with *InstabilityError if a row comes out non-finite.
func Finalize(states []online.State, dim int, eps float64) *matrix.Matrix {
	if eps <= 0 {
		eps = online.Epsilon
	}
	out := matrix.New(len(states), dim)
	for i, s := range states {
		row := s.Normalize(eps)
		assertFinite(i, s, row)
		copy(out.Row(i), row)
	}
	return out
}

// assertFinite panics with *InstabilityError when a normalized output row
// contains NaN or Inf.
func assertFinite(row int, s online.State, out []float64) {
	if !s.Finite() {
		panic(&InstabilityError{Row: row, Key: -1, State: s.Clone(), Output: out})
	}
	for _, x := range out {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			panic(&InstabilityError{Row: row, Key: -1, State: s.Clone(), Output: out})
		}
	}
}

// String summarizes the result dimensions.
func (r *Result) String() string {
	return fmt.Sprintf("blockwise.Result{%s, %dx%d blocks}", r.Output.Shape(), r.QBlocks, r.KBlocks)
}
