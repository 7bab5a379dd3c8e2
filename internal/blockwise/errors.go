package blockwise

import (
	"errors"
	"fmt"

	"github.com/born-ml/streamattn/internal/online"
)

// Common errors. All validation errors are returned before any block is
// processed.
var (
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNonFiniteInput = errors.New("non-finite input")
)

// ShapeError describes which operand had which shape.
type ShapeError struct {
	Op      string // Operation that rejected the input (e.g. "compute").
	Operand string // Operand name, e.g. "key" or "mask".
	Details string // What was expected and what was found.
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %s", e.Op, ErrShapeMismatch, e.Operand, e.Details)
}

// Unwrap makes errors.Is(err, ErrShapeMismatch) hold.
func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// InstabilityError is the panic value raised when a NaN or infinity appears
// where the inputs were finite. That can only happen through score overflow
// or a broken merge rule, so it is treated as fatal and carries the state of
// the offending row for diagnosis.
type InstabilityError struct {
	Row    int          // Query row.
	Key    int          // Global key index for score overflow, -1 otherwise.
	Score  float64      // Offending score when Key >= 0.
	State  online.State // Running state of the row at detection time.
	Output []float64    // Normalized output row, nil for score overflow.
}

// Error implements the error interface.
func (e *InstabilityError) Error() string {
	if e.Key >= 0 {
		return fmt.Sprintf("numeric instability: row %d key %d: score %v from finite inputs",
			e.Row, e.Key, e.Score)
	}
	return fmt.Sprintf("numeric instability: row %d: output %v (max=%v sum=%v)",
		e.Row, e.Output, e.State.Max, e.State.Sum)
}
