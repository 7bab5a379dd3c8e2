package online

import (
	"fmt"
	"math"
)

// ScoreBlock is one block of a row: the scores of a contiguous run of keys
// and, when values are aggregated, the value vector of each key.
type ScoreBlock struct {
	Scores []float64
	Values [][]float64
}

// Reduce folds one block of scores (and optional values) into state.
//
// Steps:
//  1. blockMax = max(scores)
//  2. e_i = exp(scores_i - blockMax)
//  3. blockSum = Σ e_i
//  4. blockOutput = Σ e_i * values_i (values != nil only)
//  5. Merge(state, {blockMax, blockSum, blockOutput})
//
// A block whose scores are all -Inf (or empty) leaves state unchanged.
//
// Panics if values is non-nil and its length differs from scores, or if the
// value vectors are ragged.
func Reduce(state State, scores []float64, values [][]float64) State {
	return Merge(state, BlockState(scores, values))
}

// Fold reduces every block into init. The order of blocks only affects
// rounding.
func Fold(init State, blocks []ScoreBlock) State {
	s := init
	for _, b := range blocks {
		s = Reduce(s, b.Scores, b.Values)
	}
	return s
}

// BlockState returns the statistics of a single block on its own.
func BlockState(scores []float64, values [][]float64) State {
	return blockStats(scores, values, nil)
}

// BlockExp is the softmax-only form of BlockState that also writes
// exp(scores_i - blockMax) into exps, which must have len(scores) capacity.
// Callers that need the normalized weights later rescale exps by
// exp(blockMax - finalMax).
func BlockExp(scores, exps []float64) State {
	if len(exps) < len(scores) {
		panic(fmt.Sprintf("online.BlockExp: exps length %d < scores length %d", len(exps), len(scores)))
	}
	return blockStats(scores, nil, exps[:len(scores)])
}

func blockStats(scores []float64, values [][]float64, exps []float64) State {
	dim := 0
	if values != nil {
		if len(values) != len(scores) {
			panic(fmt.Sprintf("online.Reduce: %d values for %d scores", len(values), len(scores)))
		}
		if len(values) > 0 {
			dim = len(values[0])
		}
	}

	blockMax := NegInf
	for _, s := range scores {
		blockMax = max(blockMax, s)
	}

	block := Identity(dim)
	if math.IsInf(blockMax, -1) {
		for i := range exps {
			exps[i] = 0
		}
		return block
	}
	block.Max = blockMax

	for i, s := range scores {
		e := Rescale(s, blockMax)
		if exps != nil {
			exps[i] = e
		}
		block.Sum += e
		if dim == 0 {
			continue
		}
		v := values[i]
		if len(v) != dim {
			panic(fmt.Sprintf("online.Reduce: value %d has dimension %d, expected %d", i, len(v), dim))
		}
		for d, x := range v {
			block.Output[d] += e * x
		}
	}

	return block
}
