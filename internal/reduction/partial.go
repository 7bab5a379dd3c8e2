// Package reduction combines partial online-softmax states computed over
// disjoint key ranges.
//
// Merge is associative and commutative, so partials may be combined in any
// tree shape. Combine uses a balanced binary tree (logarithmic depth),
// CombineChain a left fold, and CombineConcurrent runs the sibling merges of
// each tree level on separate goroutines.
package reduction

import (
	"errors"
	"fmt"

	"github.com/born-ml/streamattn/internal/online"
)

var (
	// ErrNoPartials is returned when there is nothing to combine.
	ErrNoPartials = errors.New("reduction: no partial results")

	// ErrRowMismatch is returned when partials for different rows are
	// combined into one state.
	ErrRowMismatch = errors.New("reduction: partials belong to different rows")

	// ErrRowOutOfRange is returned when a partial names a row outside [0, n).
	ErrRowOutOfRange = errors.New("reduction: row out of range")

	// ErrDimMismatch is returned when partial outputs differ in length.
	ErrDimMismatch = errors.New("reduction: output dimension mismatch")
)

// PartialResult is one row's state over a subset of the keys.
type PartialResult struct {
	Row   int
	State online.State
}

// FromStates wraps per-row states as partials, numbering rows from
// rowOffset.
func FromStates(states []online.State, rowOffset int) []PartialResult {
	out := make([]PartialResult, len(states))
	for i, s := range states {
		out[i] = PartialResult{Row: rowOffset + i, State: s}
	}
	return out
}

// checkDims returns the common output dimension of partials. A partial with a
// nil Output is accepted only if it is an identity state.
func checkDims(partials []PartialResult) (int, error) {
	dim := -1
	for _, p := range partials {
		if p.State.Output == nil {
			continue
		}
		if dim < 0 {
			dim = len(p.State.Output)
		} else if len(p.State.Output) != dim {
			return 0, fmt.Errorf("%w: row %d has %d, want %d", ErrDimMismatch, p.Row, len(p.State.Output), dim)
		}
	}
	if dim < 0 {
		dim = 0
	}
	for _, p := range partials {
		if p.State.Output == nil && dim > 0 && !p.State.IsIdentity() {
			return 0, fmt.Errorf("%w: row %d carries a sum but no output", ErrDimMismatch, p.Row)
		}
	}
	return dim, nil
}

// checkRow verifies that every partial belongs to the same row.
func checkRow(partials []PartialResult) error {
	if len(partials) == 0 {
		return ErrNoPartials
	}
	row := partials[0].Row
	for _, p := range partials[1:] {
		if p.Row != row {
			return fmt.Errorf("%w: %d and %d", ErrRowMismatch, row, p.Row)
		}
	}
	return nil
}

// states extracts the states, replacing dimensionless identities with
// identities of width dim so they merge cleanly.
func states(partials []PartialResult, dim int) []online.State {
	out := make([]online.State, len(partials))
	for i, p := range partials {
		if p.State.Output == nil && dim > 0 {
			out[i] = online.Identity(dim)
			continue
		}
		out[i] = p.State
	}
	return out
}
