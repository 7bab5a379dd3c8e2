package blockwise

import (
	"fmt"

	"github.com/born-ml/streamattn/internal/matrix"
)

// Mask decides which (query, key) pairs may contribute. Disallowed pairs get
// the score -Inf before folding, so a row with no allowed key ends up as a
// degenerate (zero output) row.
//
// row is the query index; col is the global key index (Config.KeyOffset plus
// the local key index).
type Mask interface {
	Allowed(row, col int) bool
}

// MaskFunc adapts a function to the Mask interface.
type MaskFunc func(row, col int) bool

// Allowed implements Mask.
func (f MaskFunc) Allowed(row, col int) bool {
	return f(row, col)
}

// CausalMask lets query i attend to keys j <= i + Offset.
//
// With Offset = nk - nq the last query sees every key, which is the usual
// layout when queries are the tail of the key sequence.
type CausalMask struct {
	Offset int
}

// Allowed implements Mask.
func (m CausalMask) Allowed(row, col int) bool {
	return col <= row+m.Offset
}

// MatrixMask is an explicit boolean grid of allowed pairs.
type MatrixMask struct {
	shape   matrix.Shape
	allowed []bool
}

// NewMatrixMask builds a mask from rows of allowed flags.
func NewMatrixMask(allowed [][]bool) (*MatrixMask, error) {
	m := &MatrixMask{}
	if len(allowed) == 0 {
		return m, nil
	}
	cols := len(allowed[0])
	m.shape = matrix.Shape{Rows: len(allowed), Cols: cols}
	m.allowed = make([]bool, 0, len(allowed)*cols)
	for i, r := range allowed {
		if len(r) != cols {
			return nil, fmt.Errorf("mask row %d has %d columns, expected %d", i, len(r), cols)
		}
		m.allowed = append(m.allowed, r...)
	}
	return m, nil
}

// Allowed implements Mask. Pairs outside the grid are disallowed.
func (m *MatrixMask) Allowed(row, col int) bool {
	if row < 0 || col < 0 || row >= m.shape.Rows || col >= m.shape.Cols {
		return false
	}
	return m.allowed[row*m.shape.Cols+col]
}

// Shape returns the grid extent.
func (m *MatrixMask) Shape() matrix.Shape {
	return m.shape
}

// shaped is implemented by masks with a finite extent that must cover the
// whole score matrix.
type shaped interface {
	Shape() matrix.Shape
}

func checkMask(op string, mask Mask, nq, nk, keyOffset int) error {
	sm, ok := mask.(shaped)
	if !ok {
		return nil
	}
	s := sm.Shape()
	if s.Rows < nq || s.Cols < keyOffset+nk {
		return &ShapeError{
			Op:      op,
			Operand: "mask",
			Details: fmt.Sprintf("mask %s does not cover %d queries x keys [%d,%d)", s, nq, keyOffset, keyOffset+nk),
		}
	}
	return nil
}
