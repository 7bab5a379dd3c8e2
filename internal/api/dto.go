package api

import (
	"math"

	"github.com/born-ml/streamattn/internal/online"
)

// AttentionRequest is the body of POST /v1/attention. Without V the request
// runs in softmax-only mode and the response carries attention weights.
type AttentionRequest struct {
	Q [][]float64 `json:"q"`
	K [][]float64 `json:"k"`
	V [][]float64 `json:"v,omitempty"`

	QBlockSize *int     `json:"q_block_size,omitempty"`
	KBlockSize *int     `json:"k_block_size,omitempty"`
	Scale      *float64 `json:"scale,omitempty"`
	Epsilon    *float64 `json:"epsilon,omitempty"`
	Order      string   `json:"order,omitempty"`
	KeyOrder   []int    `json:"key_block_order,omitempty"`
	Shards     *int     `json:"shards,omitempty"`

	// Causal restricts row i to keys j <= i + CausalOffset.
	Causal       bool `json:"causal,omitempty"`
	CausalOffset int  `json:"causal_offset,omitempty"`
	// Mask is an explicit n_q x n_k allow grid. It cannot be combined with
	// Causal.
	Mask [][]bool `json:"mask,omitempty"`
}

// AttentionResponse is the result of POST /v1/attention.
type AttentionResponse struct {
	ID      string      `json:"id"`
	Mode    string      `json:"mode"`
	Output  [][]float64 `json:"output,omitempty"`
	Weights [][]float64 `json:"weights,omitempty"`
	States  []StateDTO  `json:"states"`
	QBlocks int         `json:"q_blocks"`
	KBlocks int         `json:"k_blocks"`
	Shards  int         `json:"shards,omitempty"`
}

// SoftmaxRequest is the body of POST /v1/softmax.
type SoftmaxRequest struct {
	Logits    []float64 `json:"logits"`
	ChunkSize int       `json:"chunk_size,omitempty"`
	Epsilon   *float64  `json:"epsilon,omitempty"`
}

// SoftmaxResponse is the result of POST /v1/softmax.
type SoftmaxResponse struct {
	ID            string    `json:"id"`
	Probabilities []float64 `json:"probabilities"`
	State         StateDTO  `json:"state"`
}

// PartialDTO is one row's partial state.
type PartialDTO struct {
	Row   int      `json:"row"`
	State StateDTO `json:"state"`
}

// CombineRequest is the body of POST /v1/combine. Rows defaults to one past
// the largest row present.
type CombineRequest struct {
	Partials []PartialDTO `json:"partials"`
	Rows     *int         `json:"rows,omitempty"`
	Epsilon  *float64     `json:"epsilon,omitempty"`
}

// CombineResponse is the result of POST /v1/combine. Output holds the
// normalized rows when the partials track values.
type CombineResponse struct {
	ID     string      `json:"id"`
	States []StateDTO  `json:"states"`
	Output [][]float64 `json:"output,omitempty"`
}

// StateDTO is the wire form of online.State. JSON has no -Inf, so an empty
// state's Max is null.
type StateDTO struct {
	Max    *float64  `json:"max"`
	Sum    float64   `json:"sum"`
	Output []float64 `json:"output,omitempty"`
}

func stateDTO(s online.State) StateDTO {
	dto := StateDTO{Sum: s.Sum, Output: s.Output}
	if !math.IsInf(s.Max, -1) {
		m := s.Max
		dto.Max = &m
	}
	return dto
}

func statesDTO(ss []online.State) []StateDTO {
	out := make([]StateDTO, len(ss))
	for i, s := range ss {
		out[i] = stateDTO(s)
	}
	return out
}

func (d StateDTO) state() online.State {
	s := online.State{Max: online.NegInf, Sum: d.Sum, Output: d.Output}
	if d.Max != nil {
		s.Max = *d.Max
	}
	return s
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
}
