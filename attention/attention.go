// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package attention

import (
	"context"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/reduction"
)

// Epsilon is the normalizer floor added to every row sum before division.
const Epsilon = online.Epsilon

// Matrix is a dense row-major float64 matrix.
type Matrix = matrix.Matrix

// Shape is a matrix extent.
type Shape = matrix.Shape

// NewMatrix allocates a zero-filled rows×cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return matrix.New(rows, cols)
}

// FromRows copies equally sized rows into a new matrix.
func FromRows(rows [][]float64) (*Matrix, error) {
	return matrix.FromRows(rows)
}

// Randn returns a rows×cols matrix of seeded standard normal samples.
func Randn(rows, cols int, seed int64) *Matrix {
	return matrix.Randn(rows, cols, seed)
}

// Online softmax

// State is the running softmax summary of one row.
type State = online.State

// Stream accumulates logits one at a time.
type Stream = online.Stream

// Identity returns the neutral state for dim-sized values.
func Identity(dim int) State {
	return online.Identity(dim)
}

// Merge combines the states of two disjoint sets of logits.
func Merge(a, b State) State {
	return online.Merge(a, b)
}

// Reduce folds one block of scores and their value rows into state.
func Reduce(state State, scores []float64, values [][]float64) State {
	return online.Reduce(state, scores, values)
}

// Softmax returns the softmax of logits computed with a streaming pass.
func Softmax(logits []float64) []float64 {
	return online.Softmax(logits, Epsilon)
}

// Blockwise attention

// Config configures a blockwise computation.
type Config = blockwise.Config

// Order selects block traversal.
type Order = blockwise.Order

// Traversal orders.
const (
	QueryMajor = blockwise.QueryMajor
	KeyMajor   = blockwise.KeyMajor
)

// Result is the output of Compute.
type Result = blockwise.Result

// WeightsResult is the output of Weights.
type WeightsResult = blockwise.WeightsResult

// Mask decides which (query row, global key column) pairs may attend.
type Mask = blockwise.Mask

// MaskFunc adapts a function to Mask.
type MaskFunc = blockwise.MaskFunc

// CausalMask allows key col for query row when col <= row + Offset.
type CausalMask = blockwise.CausalMask

// MatrixMask is an explicit grid of allowed pairs.
type MatrixMask = blockwise.MatrixMask

// NewMatrixMask builds a mask from rows of allowed flags.
func NewMatrixMask(allowed [][]bool) (*MatrixMask, error) {
	return blockwise.NewMatrixMask(allowed)
}

// Errors returned before any block is processed.
var (
	ErrShapeMismatch  = blockwise.ErrShapeMismatch
	ErrInvalidConfig  = blockwise.ErrInvalidConfig
	ErrNonFiniteInput = blockwise.ErrNonFiniteInput
)

// ShapeError describes a rejected operand.
type ShapeError = blockwise.ShapeError

// InstabilityError is the panic value for a non-finite result from finite
// inputs.
type InstabilityError = blockwise.InstabilityError

// Compute returns softmax(scale * Q·Kᵀ + mask)·V in bounded memory.
func Compute(q, k, v *Matrix, cfg Config) (*Result, error) {
	return blockwise.Compute(q, k, v, cfg)
}

// Weights returns the n_q x n_k attention probabilities.
func Weights(q, k *Matrix, cfg Config) (*WeightsResult, error) {
	return blockwise.Weights(q, k, cfg)
}

// Attend runs Compute when v is non-nil and Weights otherwise. The returned
// matrix is n_q x d_v or n_q x n_k respectively, together with the final row
// states.
func Attend(q, k, v *Matrix, cfg Config) (*Matrix, []State, error) {
	if v == nil {
		res, err := blockwise.Weights(q, k, cfg)
		if err != nil {
			return nil, nil, err
		}
		return res.Weights, res.States, nil
	}
	res, err := blockwise.Compute(q, k, v, cfg)
	if err != nil {
		return nil, nil, err
	}
	return res.Output, res.States, nil
}

// Reduction

// PartialResult is one row's state over a subset of keys.
type PartialResult = reduction.PartialResult

// ShardConfig configures Shard.
type ShardConfig = reduction.ShardConfig

// Combine merges the partials of one row with a balanced tree.
func Combine(partials []PartialResult) (State, error) {
	return reduction.Combine(partials)
}

// CombineRows groups partials by row and combines each group.
func CombineRows(partials []PartialResult, nRows int) ([]State, error) {
	return reduction.CombineRows(partials, nRows)
}

// Shard computes attention over key/value shards concurrently and combines
// the partial row states.
func Shard(ctx context.Context, q, k, v *Matrix, cfg ShardConfig) (*Result, error) {
	return reduction.Shard(ctx, q, k, v, cfg)
}
