package blockwise

import (
	"fmt"

	"github.com/born-ml/streamattn/internal/matrix"
)

// Validate runs every check Compute (v != nil) or Weights (v == nil) performs
// before touching data, without computing anything.
func Validate(q, k, v *matrix.Matrix, cfg Config) error {
	const op = "blockwise.Validate"

	if err := validateInputs(op, q, k, v); err != nil {
		return err
	}
	p, err := cfg.plan(op, q.Rows, k.Rows)
	if err != nil {
		return err
	}
	return checkMask(op, p.mask, q.Rows, k.Rows, p.keyOffset)
}

// validateInputs checks operand shapes and finiteness. v may be nil.
func validateInputs(op string, q, k, v *matrix.Matrix) error {
	if q == nil {
		return &ShapeError{Op: op, Operand: "query", Details: "nil matrix"}
	}
	if k == nil {
		return &ShapeError{Op: op, Operand: "key", Details: "nil matrix"}
	}

	for _, m := range []struct {
		name string
		m    *matrix.Matrix
	}{{"query", q}, {"key", k}, {"value", v}} {
		if m.m == nil {
			continue
		}
		if err := m.m.Shape().Validate(); err != nil {
			return &ShapeError{Op: op, Operand: m.name, Details: err.Error()}
		}
		if len(m.m.Data) != m.m.Shape().NumElements() {
			return &ShapeError{
				Op:      op,
				Operand: m.name,
				Details: fmt.Sprintf("%d elements for shape %s", len(m.m.Data), m.m.Shape()),
			}
		}
		if !m.m.AllFinite() {
			return fmt.Errorf("%s: %w: %s contains NaN or Inf", op, ErrNonFiniteInput, m.name)
		}
	}

	// Empty sequences carry no dimension to check against.
	if q.Rows > 0 && k.Rows > 0 && q.Cols != k.Cols {
		return &ShapeError{
			Op:      op,
			Operand: "key",
			Details: fmt.Sprintf("query dim %d != key dim %d", q.Cols, k.Cols),
		}
	}
	if v != nil && v.Rows != k.Rows {
		return &ShapeError{
			Op:      op,
			Operand: "value",
			Details: fmt.Sprintf("key length %d != value length %d", k.Rows, v.Rows),
		}
	}

	return nil
}
