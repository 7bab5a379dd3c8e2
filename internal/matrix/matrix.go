// Package matrix provides the dense row-major float64 matrix used by the
// attention engine for query, key, value and output sequences.
package matrix

import (
	"fmt"
	"math"
	"math/rand"
)

// Matrix is a dense row-major matrix. Row i occupies Data[i*Cols : (i+1)*Cols].
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// New allocates a zero-filled rows×cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// FromSlice wraps data as a rows×cols matrix without copying.
func FromSlice(data []float64, rows, cols int) (*Matrix, error) {
	shape := Shape{Rows: rows, Cols: cols}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// FromRows copies a slice of equally sized rows into a new matrix.
//
// An empty input yields a 0×0 matrix.
func FromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return New(0, 0), nil
	}
	cols := len(rows[0])
	m := New(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		copy(m.Data[i*cols:(i+1)*cols], r)
	}
	return m, nil
}

// Randn fills a rows×cols matrix with standard normal samples from a
// deterministic source seeded with seed.
func Randn(rows, cols int, seed int64) *Matrix {
	//nolint:gosec // math/rand is appropriate for reproducible test data
	rng := rand.New(rand.NewSource(seed))
	m := New(rows, cols)
	for i := range m.Data {
		m.Data[i] = rng.NormFloat64()
	}
	return m
}

// Arange fills a rows×cols matrix with 0, 1, 2, ... in row-major order.
func Arange(rows, cols int) *Matrix {
	m := New(rows, cols)
	for i := range m.Data {
		m.Data[i] = float64(i)
	}
	return m
}

// Shape returns the matrix extent.
func (m *Matrix) Shape() Shape {
	return Shape{Rows: m.Rows, Cols: m.Cols}
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Matrix) Row(i int) []float64 {
	off := i * m.Cols
	return m.Data[off : off+m.Cols]
}

// RowSlice returns rows [start, end) as a matrix aliasing the storage.
func (m *Matrix) RowSlice(start, end int) *Matrix {
	return &Matrix{
		Rows: end - start,
		Cols: m.Cols,
		Data: m.Data[start*m.Cols : end*m.Cols],
	}
}

// Rows2D copies the matrix into a slice of rows.
func (m *Matrix) Rows2D() [][]float64 {
	out := make([][]float64, m.Rows)
	for i := range out {
		out[i] = append([]float64(nil), m.Row(i)...)
	}
	return out
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{
		Rows: m.Rows,
		Cols: m.Cols,
		Data: append([]float64(nil), m.Data...),
	}
}

// AllFinite reports whether every element is neither NaN nor ±Inf.
func (m *Matrix) AllFinite() bool {
	for _, x := range m.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Mean returns the arithmetic mean of all elements, 0 for an empty matrix.
func (m *Matrix) Mean() float64 {
	if len(m.Data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range m.Data {
		sum += x
	}
	return sum / float64(len(m.Data))
}

// MaxAbsDiff returns max |a - b| over all elements.
// Shapes must match; NaN anywhere yields NaN.
func MaxAbsDiff(a, b *Matrix) (float64, error) {
	if !a.Shape().Equal(b.Shape()) {
		return 0, fmt.Errorf("shape mismatch: %s vs %s", a.Shape(), b.Shape())
	}
	var worst float64
	for i := range a.Data {
		d := math.Abs(a.Data[i] - b.Data[i])
		if math.IsNaN(d) {
			return math.NaN(), nil
		}
		worst = max(worst, d)
	}
	return worst, nil
}

// AllClose reports whether a and b have the same shape and every element
// differs by at most atol.
func AllClose(a, b *Matrix, atol float64) bool {
	d, err := MaxAbsDiff(a, b)
	if err != nil || math.IsNaN(d) {
		return false
	}
	return d <= atol
}
