package blockwise

import (
	"testing"

	"github.com/born-ml/streamattn/internal/dense"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denseWeights(t *testing.T, q, k *matrix.Matrix, mask Mask) *matrix.Matrix {
	t.Helper()
	opts := dense.Options{Epsilon: online.Epsilon}
	if mask != nil {
		opts.Mask = mask.Allowed
	}
	w, err := dense.Weights(q, k, opts)
	require.NoError(t, err)
	return w
}

func TestWeightsMatchDense(t *testing.T) {
	q, k := matrix.Randn(20, 5, 1), matrix.Randn(16, 5, 2)
	want := denseWeights(t, q, k, nil)

	for _, order := range []Order{QueryMajor, KeyMajor} {
		for _, kb := range []int{1, 3, 4, 16, 20} {
			res, err := Weights(q, k, Config{QBlockSize: 2, KBlockSize: kb, Order: order})
			require.NoError(t, err)
			requireClose(t, want, res.Weights, atol)
		}
	}
}

func TestWeightsRowsSumToOne(t *testing.T) {
	q, k := matrix.Randn(9, 4, 3), matrix.Randn(13, 4, 4)
	res, err := Weights(q, k, Config{QBlockSize: 4, KBlockSize: 5, Scale: 3})
	require.NoError(t, err)

	for i := 0; i < res.Weights.Rows; i++ {
		var sum float64
		for _, w := range res.Weights.Row(i) {
			assert.GreaterOrEqual(t, w, 0.0)
			sum += w
		}
		assert.InDelta(t, 1.0, sum, atol)
	}
}

func TestWeightsRenormalizeStaleBlockMaxima(t *testing.T) {
	// Block maxima differ wildly, so skipping the per-block correction would
	// give weights far from the dense ones.
	q, _ := matrix.FromRows([][]float64{{1}})
	k, _ := matrix.FromRows([][]float64{{-5}, {-4}, {10}, {11}})

	res, err := Weights(q, k, Config{QBlockSize: 1, KBlockSize: 2})
	require.NoError(t, err)
	requireClose(t, denseWeights(t, q, k, nil), res.Weights, atol)
	assert.InDelta(t, 11.0, res.States[0].Max, 0)
}

func TestWeightsPermutedKeyBlocks(t *testing.T) {
	q, k := matrix.Randn(6, 3, 5), matrix.Randn(12, 3, 6)
	base, err := Weights(q, k, Config{QBlockSize: 2, KBlockSize: 3})
	require.NoError(t, err)

	res, err := Weights(q, k, Config{QBlockSize: 2, KBlockSize: 3, KeyBlockOrder: []int{3, 1, 0, 2}})
	require.NoError(t, err)
	requireClose(t, base.Weights, res.Weights, atol)
}

func TestWeightsCausalAndDegenerate(t *testing.T) {
	q, k := matrix.Randn(5, 3, 7), matrix.Randn(5, 3, 8)
	mask := CausalMask{Offset: -1}

	res, err := Weights(q, k, Config{QBlockSize: 2, KBlockSize: 2, Mask: mask, Order: KeyMajor})
	require.NoError(t, err)
	requireClose(t, denseWeights(t, q, k, mask), res.Weights, atol)

	assert.Equal(t, make([]float64, 5), res.Weights.Row(0), "row 0 has no allowed key")
	assert.InDelta(t, 1.0, res.Weights.Row(1)[0], 1e-9, "row 1 sees only key 0")
}

func TestWeightsEmptyKeys(t *testing.T) {
	res, err := Weights(matrix.Randn(3, 2, 1), matrix.New(0, 2), Config{QBlockSize: 2, KBlockSize: 2})
	require.NoError(t, err)
	assert.Equal(t, matrix.Shape{Rows: 3, Cols: 0}, res.Weights.Shape())
}

func TestWeightsValidation(t *testing.T) {
	_, err := Weights(matrix.Randn(3, 2, 1), matrix.Randn(3, 3, 1), Config{QBlockSize: 1, KBlockSize: 1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Weights(matrix.Randn(3, 2, 1), matrix.Randn(3, 2, 1), Config{QBlockSize: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
