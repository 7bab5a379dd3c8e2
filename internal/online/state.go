// Package online implements streaming (online) softmax statistics.
//
// A State summarizes any set of logits (and optionally the values they weight)
// by three quantities:
//
//	Max    = max(logit_i)
//	Sum    = Σ exp(logit_i - Max)
//	Output = Σ exp(logit_i - Max) * value_i
//
// Two states over disjoint sets of logits combine with Merge into the state of
// their union. Merge is associative and commutative, so blocks of a row may be
// folded in any order, and partial states computed by independent workers may
// be combined by any tree of merges.
package online

import "math"

// Epsilon is the normalizer floor added before division. It keeps a row with
// no contributing keys at a zero output instead of 0/0.
const Epsilon = 1e-10

// NegInf is the score sentinel for masked positions.
var NegInf = math.Inf(-1)

// State is the running softmax summary of one row.
//
// States are values: Merge and Reduce never modify their arguments.
// Output is nil when no values are being aggregated.
type State struct {
	Max    float64   // Largest logit folded so far, -Inf if none.
	Sum    float64   // Σ exp(logit - Max).
	Output []float64 // Σ exp(logit - Max) * value, nil in softmax-only mode.
}

// Identity returns the neutral state for a row aggregating dim-sized values.
// dim == 0 gives a softmax-only state with a nil Output.
func Identity(dim int) State {
	s := State{Max: NegInf}
	if dim > 0 {
		s.Output = make([]float64, dim)
	}
	return s
}

// IsIdentity reports whether nothing has contributed to s.
func (s State) IsIdentity() bool {
	return math.IsInf(s.Max, -1) || s.Sum == 0
}

// Dim returns the tracked value dimension (0 in softmax-only mode).
func (s State) Dim() int {
	return len(s.Output)
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := State{Max: s.Max, Sum: s.Sum}
	if s.Output != nil {
		c.Output = append([]float64(nil), s.Output...)
	}
	return c
}

// Finite reports whether Sum and every Output element are finite.
// Max may legitimately be -Inf.
func (s State) Finite() bool {
	if math.IsNaN(s.Max) || math.IsInf(s.Max, 1) {
		return false
	}
	if math.IsNaN(s.Sum) || math.IsInf(s.Sum, 0) {
		return false
	}
	for _, x := range s.Output {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Normalize returns Output / (Sum + eps), the softmax-weighted aggregate.
// A row that never saw a contributing key yields the zero vector.
func (s State) Normalize(eps float64) []float64 {
	if s.Output == nil {
		return nil
	}
	out := make([]float64, len(s.Output))
	denom := s.Sum + eps
	for i, x := range s.Output {
		out[i] = x / denom
	}
	return out
}

// Weight returns the softmax probability of logit given the final state of
// its row: exp(logit - Max) / (Sum + eps). Masked logits weigh 0.
func (s State) Weight(logit, eps float64) float64 {
	if math.IsInf(logit, -1) {
		return 0
	}
	return math.Exp(logit-s.Max) / (s.Sum + eps)
}
