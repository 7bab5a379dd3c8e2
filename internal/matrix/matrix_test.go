package matrix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeValidate(t *testing.T) {
	assert.NoError(t, Shape{Rows: 0, Cols: 5}.Validate())
	assert.NoError(t, Shape{Rows: 3, Cols: 5}.Validate())
	assert.Error(t, Shape{Rows: -1, Cols: 5}.Validate())
	assert.Error(t, Shape{Rows: 1, Cols: -5}.Validate())
	assert.Equal(t, "3x5", Shape{Rows: 3, Cols: 5}.String())
	assert.Equal(t, 15, Shape{Rows: 3, Cols: 5}.NumElements())
}

func TestFromRows(t *testing.T) {
	m, err := FromRows([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, Shape{Rows: 3, Cols: 2}, m.Shape())
	assert.Equal(t, []float64{3, 4}, m.Row(1))

	_, err = FromRows([][]float64{{1, 2}, {3}})
	assert.Error(t, err)

	empty, err := FromRows(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Rows)
}

func TestFromSlice(t *testing.T) {
	m, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, m.Row(1))

	_, err = FromSlice([]float64{1, 2, 3}, 2, 3)
	assert.Error(t, err)
	_, err = FromSlice(nil, -1, 3)
	assert.Error(t, err)
}

func TestRowSliceAliases(t *testing.T) {
	m := Arange(5, 2)
	s := m.RowSlice(1, 3)
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, []float64{2, 3}, s.Row(0))

	s.Row(0)[0] = 100
	assert.Equal(t, 100.0, m.Row(1)[0])
}

func TestRandnDeterministic(t *testing.T) {
	a := Randn(4, 3, 42)
	b := Randn(4, 3, 42)
	c := Randn(4, 3, 43)
	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.Data, c.Data)
	assert.True(t, a.AllFinite())
}

func TestMaxAbsDiff(t *testing.T) {
	a := Arange(2, 2)
	b := a.Clone()
	b.Data[3] += 0.5

	d, err := MaxAbsDiff(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d, 1e-12)
	assert.True(t, AllClose(a, b, 0.5))
	assert.False(t, AllClose(a, b, 0.4))

	_, err = MaxAbsDiff(a, New(3, 2))
	assert.Error(t, err)

	b.Data[0] = math.NaN()
	assert.False(t, AllClose(a, b, 10))
}

func TestAllFiniteAndMean(t *testing.T) {
	m := Arange(1, 4)
	assert.InDelta(t, 1.5, m.Mean(), 1e-12)
	m.Data[2] = math.Inf(1)
	assert.False(t, m.AllFinite())
	assert.Equal(t, 0.0, New(0, 3).Mean())
}
