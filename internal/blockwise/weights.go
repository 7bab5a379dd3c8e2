package blockwise

import (
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/parallel"
)

// WeightsResult is the output of the softmax-only mode.
type WeightsResult struct {
	// Weights is the n_q x n_k matrix of attention probabilities. Each row
	// sums to 1, or is all zeros for a row with no contributing key.
	Weights *matrix.Matrix
	// States holds the final running (max, sum) of every row.
	States []online.State
}

// Weights returns softmax(scale * Q·Kᵀ + mask) computed block by block.
//
// Each key block's exponentials are taken relative to that block's own max
// and written straight into the output row. The block max is remembered, and
// once every block of a row is folded the stored exponentials are rescaled by
// exp(blockMax - rowMax) / (rowSum + eps). Dividing stale per-block
// exponentials by the row sum without this correction would be wrong.
//
// Memory beyond the output is one max per (row, key block).
func Weights(q, k *matrix.Matrix, cfg Config) (*WeightsResult, error) {
	const op = "blockwise.Weights"

	if err := validateInputs(op, q, k, nil); err != nil {
		return nil, err
	}
	p, err := cfg.plan(op, q.Rows, k.Rows)
	if err != nil {
		return nil, err
	}
	if err := checkMask(op, p.mask, q.Rows, k.Rows, p.keyOffset); err != nil {
		return nil, err
	}

	p.log.Debug("blockwise weights",
		"queries", q.Rows, "keys", k.Rows, "dim", q.Cols,
		"q_blocks", len(p.qBlocks), "k_blocks", len(p.kBlocks), "order", p.order)

	nk := len(p.kBlocks)
	out := matrix.New(q.Rows, k.Rows)
	blockMax := make([]float64, q.Rows*nk)
	states := make([]online.State, q.Rows)
	for i := range states {
		states[i] = online.Identity(0)
	}

	expTile := func(qb, kb Block, tile []float64) {
		width := kb.Len()
		scores := scoreBlock(tile, q, k, qb, kb, p)
		for i := qb.Start; i < qb.End; i++ {
			r := i - qb.Start
			exps := out.Row(i)[kb.Start:kb.End]
			block := online.BlockExp(scores[r*width:(r+1)*width], exps)
			blockMax[i*nk+kb.Index] = block.Max
			states[i] = online.Merge(states[i], block)
		}
	}

	switch p.order {
	case KeyMajor:
		for _, j := range p.kOrder {
			kb := p.kBlocks[j]
			parallel.ForRange(len(p.qBlocks), func(start, end int) {
				tile := make([]float64, p.qMax*p.kMax)
				for _, qb := range p.qBlocks[start:end] {
					expTile(qb, kb, tile)
				}
			}, p.parallel)
		}
	default:
		parallel.ForRange(len(p.qBlocks), func(start, end int) {
			tile := make([]float64, p.qMax*p.kMax)
			for _, qb := range p.qBlocks[start:end] {
				for _, j := range p.kOrder {
					expTile(qb, p.kBlocks[j], tile)
				}
			}
		}, p.parallel)
	}

	for i, s := range states {
		row := out.Row(i)
		denom := s.Sum + p.eps
		for _, kb := range p.kBlocks {
			// Same correction Merge applies: exp(blockMax - rowMax), 0 if the
			// block was fully masked.
			f := online.Rescale(blockMax[i*nk+kb.Index], s.Max) / denom
			for j := kb.Start; j < kb.End; j++ {
				row[j] *= f
			}
		}
		assertFinite(i, s, row)
	}

	return &WeightsResult{Weights: out, States: states}, nil
}
