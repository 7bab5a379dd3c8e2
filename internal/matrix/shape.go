package matrix

import "fmt"

// Shape is the (rows, cols) extent of a matrix.
type Shape struct {
	Rows int
	Cols int
}

// NumElements returns rows*cols.
func (s Shape) NumElements() int {
	return s.Rows * s.Cols
}

// Validate checks that no dimension is negative.
//
// Zero-sized dimensions are legal: an empty key sequence is a valid
// (degenerate) attention input.
func (s Shape) Validate() error {
	if s.Rows < 0 {
		return fmt.Errorf("invalid rows: %d (must be >= 0)", s.Rows)
	}
	if s.Cols < 0 {
		return fmt.Errorf("invalid cols: %d (must be >= 0)", s.Cols)
	}
	return nil
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	return s.Rows == other.Rows && s.Cols == other.Cols
}

// String formats the shape as "RxC".
func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}
