// Package dense is the single-pass reference for blockwise attention.
//
// It materializes the full n_q x n_k score matrix, applies a row-wise
// softmax and multiplies by V. It exists to check the blockwise engine, not
// to be fast.
package dense

import (
	"fmt"
	"math"

	"github.com/born-ml/streamattn/internal/matrix"
)

// MaskFunc reports whether query row may attend to key col.
type MaskFunc func(row, col int) bool

// Options for the reference computation.
type Options struct {
	Scale   float64  // 0 means 1.
	Epsilon float64  // Added to every row sum before division.
	Mask    MaskFunc // Nil allows every pair.
}

// Scores returns scale * Q·Kᵀ with masked pairs set to -Inf.
func Scores(q, k *matrix.Matrix, opts Options) (*matrix.Matrix, error) {
	if q.Rows > 0 && k.Rows > 0 && q.Cols != k.Cols {
		return nil, fmt.Errorf("dense: query dim %d != key dim %d", q.Cols, k.Cols)
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}

	negInf := math.Inf(-1)
	scores := matrix.New(q.Rows, k.Rows)
	for i := 0; i < q.Rows; i++ {
		row := scores.Row(i)
		qVec := q.Row(i)
		for j := 0; j < k.Rows; j++ {
			if opts.Mask != nil && !opts.Mask(i, j) {
				row[j] = negInf
				continue
			}
			kVec := k.Row(j)
			var dot float64
			for d := range qVec {
				dot += qVec[d] * kVec[d]
			}
			row[j] = dot * scale
		}
	}
	return scores, nil
}

// Softmax computes exp(x - max) / (Σ exp(x - max) + eps) over one row.
// A row of all -Inf (or an empty row) yields zeros.
func Softmax(x []float64, eps float64) []float64 {
	result := make([]float64, len(x))
	if len(x) == 0 {
		return result
	}

	// Find max for numerical stability
	maxVal := x[0]
	for _, val := range x[1:] {
		if val > maxVal {
			maxVal = val
		}
	}
	if math.IsInf(maxVal, -1) {
		return result
	}

	// Compute exp(x - max) and sum
	sum := 0.0
	for i, val := range x {
		result[i] = math.Exp(val - maxVal)
		sum += result[i]
	}

	// Normalize
	for i := range result {
		result[i] /= sum + eps
	}
	return result
}

// Weights returns the full n_q x n_k matrix of attention probabilities.
func Weights(q, k *matrix.Matrix, opts Options) (*matrix.Matrix, error) {
	scores, err := Scores(q, k, opts)
	if err != nil {
		return nil, err
	}
	for i := 0; i < scores.Rows; i++ {
		copy(scores.Row(i), Softmax(scores.Row(i), opts.Epsilon))
	}
	return scores, nil
}

// Attention returns softmax(scale * Q·Kᵀ + mask)·V.
func Attention(q, k, v *matrix.Matrix, opts Options) (*matrix.Matrix, error) {
	if v.Rows != k.Rows {
		return nil, fmt.Errorf("dense: key length %d != value length %d", k.Rows, v.Rows)
	}
	weights, err := Weights(q, k, opts)
	if err != nil {
		return nil, err
	}

	output := matrix.New(q.Rows, v.Cols)
	for i := 0; i < q.Rows; i++ {
		w := weights.Row(i)
		out := output.Row(i)
		for j := 0; j < v.Rows; j++ {
			if w[j] == 0 {
				continue
			}
			vVec := v.Row(j)
			for d := range out {
				out[d] += w[j] * vVec[d]
			}
		}
	}
	return output, nil
}
