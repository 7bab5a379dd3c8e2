package online

import "fmt"

// Stream accumulates logits one at a time.
//
// Each Push applies the single-element update
//
//	m' = max(m, x)
//	d' = d*exp(m - m') + exp(x - m')
//
// which is Merge with the state {x, 1}. Stream is not safe for concurrent use.
//
// Example:
//
//	var s online.Stream
//	for _, x := range logits {
//	    s.Push(x)
//	}
//	p := s.State().Weight(logits[0], online.Epsilon)
type Stream struct {
	state State
	init  bool
}

// NewStream creates a stream aggregating dim-sized values (0 for logits only).
func NewStream(dim int) *Stream {
	return &Stream{state: Identity(dim), init: true}
}

// Push folds one logit.
func (s *Stream) Push(logit float64) {
	s.ensure()
	s.state = Merge(s.state, State{Max: logit, Sum: 1})
}

// PushWeighted folds one logit together with its value vector.
func (s *Stream) PushWeighted(logit float64, value []float64) {
	s.ensure()
	s.state = Merge(s.state, State{
		Max:    logit,
		Sum:    1,
		Output: append([]float64(nil), value...),
	})
}

// State returns a copy of the current statistics.
func (s *Stream) State() State {
	s.ensure()
	return s.state.Clone()
}

// Reset returns the stream to the identity, keeping its value dimension.
func (s *Stream) Reset() {
	s.state = Identity(s.state.Dim())
	s.init = true
}

func (s *Stream) ensure() {
	if !s.init {
		s.state = Identity(0)
		s.init = true
	}
}

// Softmax returns the softmax of logits in two passes: one streaming pass
// for (max, sum), one pass emitting exp(x - max)/(sum + eps).
func Softmax(logits []float64, eps float64) []float64 {
	var s Stream
	for _, x := range logits {
		s.Push(x)
	}
	return weights(s.state, logits, eps)
}

// SoftmaxChunked computes the same result as Softmax, but summarizes each
// chunk of chunkSize logits independently and merges the chunk summaries.
// Every chunk could run on a different worker.
func SoftmaxChunked(logits []float64, chunkSize int, eps float64) []float64 {
	if chunkSize < 1 {
		panic(fmt.Sprintf("online.SoftmaxChunked: chunk size %d must be >= 1", chunkSize))
	}

	partials := make([]State, 0, (len(logits)+chunkSize-1)/chunkSize)
	for start := 0; start < len(logits); start += chunkSize {
		end := min(start+chunkSize, len(logits))
		partials = append(partials, BlockState(logits[start:end], nil))
	}

	return weights(MergeAll(partials...), logits, eps)
}

func weights(final State, logits []float64, eps float64) []float64 {
	out := make([]float64, len(logits))
	for i, x := range logits {
		out[i] = final.Weight(x, eps)
	}
	return out
}
