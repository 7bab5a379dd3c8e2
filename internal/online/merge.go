package online

import (
	"fmt"
	"math"
)

// Merge combines the statistics of two disjoint sets of logits.
//
//	m      = max(a.Max, b.Max)
//	Sum    = a.Sum*exp(a.Max-m) + b.Sum*exp(b.Max-m)
//	Output = a.Output*exp(a.Max-m) + b.Output*exp(b.Max-m)
//
// A side whose Max is -Inf contributes nothing; its factor is taken as 0
// rather than evaluating exp(-Inf - -Inf).
//
// Merging a value-tracking state with a softmax-only state is allowed only
// when the softmax-only side is empty. Output dimensions must agree.
func Merge(a, b State) State {
	m := max(a.Max, b.Max)
	fa := Rescale(a.Max, m)
	fb := Rescale(b.Max, m)

	out := State{
		Max: m,
		Sum: a.Sum*fa + b.Sum*fb,
	}

	switch {
	case a.Output == nil && b.Output == nil:
	case a.Output == nil:
		requireEmpty(a, b.Dim())
		out.Output = scaled(b.Output, fb)
	case b.Output == nil:
		requireEmpty(b, a.Dim())
		out.Output = scaled(a.Output, fa)
	default:
		if len(a.Output) != len(b.Output) {
			panic(fmt.Sprintf("online.Merge: output dimension mismatch %d vs %d", len(a.Output), len(b.Output)))
		}
		out.Output = make([]float64, len(a.Output))
		for i := range out.Output {
			out.Output[i] = a.Output[i]*fa + b.Output[i]*fb
		}
	}

	return out
}

// MergeAll folds states left to right starting from the identity.
func MergeAll(states ...State) State {
	acc := State{Max: NegInf}
	for _, s := range states {
		acc = Merge(acc, s)
	}
	return acc
}

// Rescale returns exp(from - to), the factor that moves a sum taken relative
// to max "from" into the frame of max "to". It is 0 when from is -Inf.
func Rescale(from, to float64) float64 {
	if math.IsInf(from, -1) {
		return 0
	}
	return math.Exp(from - to)
}

func scaled(v []float64, f float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * f
	}
	return out
}

func requireEmpty(s State, dim int) {
	if !s.IsIdentity() {
		panic(fmt.Sprintf("online.Merge: softmax-only state with mass %v merged into %d-dim output", s.Sum, dim))
	}
}
