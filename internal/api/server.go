// Package api exposes the attention engine over HTTP.
//
// Routes:
//
//	POST /v1/attention  blockwise attention, or weights when "v" is omitted
//	POST /v1/softmax    streaming softmax of a logit vector
//	POST /v1/combine    tree-combine partial row states
//	GET  /healthz       liveness
package api

import (
	"cmp"
	"net/http"
	"slices"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/born-ml/streamattn/internal/reduction"
	"github.com/labstack/echo/v5"
)

// DefaultMaxElements bounds the number of floats a single attention request
// may touch, counting inputs and the n_q x n_k weights output.
const DefaultMaxElements = 1 << 22

// DefaultBlockSize is used when neither the server defaults nor the request
// set a block size.
const DefaultBlockSize = 64

// Options configures a Server.
type Options struct {
	// Defaults supplies block sizes, scale, order and parallelism for
	// requests that leave them out. Mask, KeyOffset and KeyBlockOrder are
	// always taken from the request.
	Defaults blockwise.Config
	// Shards is the default key/value shard count; 0 or 1 disables sharding.
	Shards int
	// Workers caps concurrently computed shards (0 means GOMAXPROCS).
	Workers int
	// MaxElements rejects larger requests; 0 means DefaultMaxElements. For
	// combine requests it bounds the rows times the state dimension.
	MaxElements int
	Logger      logger.Logger
}

// Server handles the HTTP routes.
type Server struct {
	opts Options
	log  logger.Logger
}

// NewServer creates a server with opts, filling unset defaults.
func NewServer(opts Options) *Server {
	if opts.Defaults.QBlockSize == 0 {
		opts.Defaults.QBlockSize = DefaultBlockSize
	}
	if opts.Defaults.KBlockSize == 0 {
		opts.Defaults.KBlockSize = DefaultBlockSize
	}
	if opts.MaxElements == 0 {
		opts.MaxElements = DefaultMaxElements
	}
	return &Server{opts: opts, log: logger.Or(opts.Logger)}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/attention", s.handleAttention)
	e.POST("/v1/softmax", s.handleSoftmax)
	e.POST("/v1/combine", s.handleCombine)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeComputeError(c, err)
	}

	var resp *AttentionResponse
	err = guard(func() error {
		var err error
		resp, err = s.attention(c, &req)
		return err
	})
	if err != nil {
		s.log.Warn("attention request failed", "error", err)
		return writeComputeError(c, err)
	}

	s.log.Info("attention request", "id", resp.ID, "mode", resp.Mode,
		"queries", len(req.Q), "keys", len(req.K), "q_blocks", resp.QBlocks, "k_blocks", resp.KBlocks)
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) attention(c *echo.Context, req *AttentionRequest) (*AttentionResponse, error) {
	q, err := toMatrix("q", req.Q)
	if err != nil {
		return nil, err
	}
	k, err := toMatrix("k", req.K)
	if err != nil {
		return nil, err
	}
	var v *matrix.Matrix
	if req.V != nil {
		if v, err = toMatrix("v", req.V); err != nil {
			return nil, err
		}
	}
	if n := elements(q, k, v); n > s.opts.MaxElements {
		return nil, newInvalidRequest("request touches %d elements, limit is %d", n, s.opts.MaxElements)
	}

	cfg, err := s.engineConfig(req, q.Rows, k.Rows)
	if err != nil {
		return nil, err
	}
	shards := s.opts.Shards
	if req.Shards != nil {
		shards = *req.Shards
	}
	if shards < 0 {
		return nil, newInvalidRequest("shards %d must be >= 0", shards)
	}

	resp := &AttentionResponse{ID: newID("attn")}
	switch {
	case v == nil:
		res, err := blockwise.Weights(q, k, cfg)
		if err != nil {
			return nil, err
		}
		resp.Mode = "weights"
		resp.Weights = fromMatrix(res.Weights)
		resp.States = statesDTO(res.States)
		resp.QBlocks = len(blockwise.Partition(q.Rows, cfg.QBlockSize))
		resp.KBlocks = len(blockwise.Partition(k.Rows, cfg.KBlockSize))
		return resp, nil

	case shards > 1:
		res, err := reduction.Shard(c.Request().Context(), q, k, v, reduction.ShardConfig{
			Config:  cfg,
			Shards:  shards,
			Workers: s.opts.Workers,
		})
		if err != nil {
			return nil, err
		}
		resp.Shards = shards
		fillResult(resp, res)
		return resp, nil

	default:
		res, err := blockwise.Compute(q, k, v, cfg)
		if err != nil {
			return nil, err
		}
		fillResult(resp, res)
		return resp, nil
	}
}

func fillResult(resp *AttentionResponse, res *blockwise.Result) {
	resp.Mode = "attention"
	resp.Output = fromMatrix(res.Output)
	resp.States = statesDTO(res.States)
	resp.QBlocks = res.QBlocks
	resp.KBlocks = res.KBlocks
}

// engineConfig overlays the request onto the server defaults.
func (s *Server) engineConfig(req *AttentionRequest, nq, nk int) (blockwise.Config, error) {
	cfg := s.opts.Defaults
	cfg.Mask = nil
	cfg.KeyOffset = 0
	cfg.KeyBlockOrder = nil
	cfg.Logger = s.log
	return req.Overlay(cfg, nq, nk)
}

// Overlay returns cfg with every engine field the request sets applied on
// top. nq and nk are the query and key lengths an explicit mask must match.
func (r *AttentionRequest) Overlay(cfg blockwise.Config, nq, nk int) (blockwise.Config, error) {
	if r.QBlockSize != nil {
		cfg.QBlockSize = *r.QBlockSize
	}
	if r.KBlockSize != nil {
		cfg.KBlockSize = *r.KBlockSize
	}
	if r.Scale != nil {
		cfg.Scale = *r.Scale
	}
	if r.Epsilon != nil {
		cfg.Epsilon = *r.Epsilon
	}
	if r.Order != "" {
		order, err := blockwise.ParseOrder(r.Order)
		if err != nil {
			return cfg, err
		}
		cfg.Order = order
	}
	if r.KeyOrder != nil {
		cfg.KeyBlockOrder = r.KeyOrder
	}

	switch {
	case r.Causal && r.Mask != nil:
		return cfg, newInvalidRequest("causal and mask are mutually exclusive")
	case r.Causal:
		cfg.Mask = blockwise.CausalMask{Offset: r.CausalOffset}
	case r.Mask != nil:
		mask, err := blockwise.NewMatrixMask(r.Mask)
		if err != nil {
			return cfg, newInvalidRequest("mask: %v", err)
		}
		if got := mask.Shape(); got.Rows != nq || got.Cols != nk {
			return cfg, newInvalidRequest("mask is %s, want %dx%d", got, nq, nk)
		}
		cfg.Mask = mask
	}
	return cfg, nil
}

func elements(q, k, v *matrix.Matrix) int {
	n := len(q.Data) + len(k.Data) + q.Rows*k.Rows
	if v != nil {
		n += len(v.Data) + q.Rows*v.Cols
	}
	return n
}

func (s *Server) handleSoftmax(c *echo.Context) error {
	req, err := decodeJSON[SoftmaxRequest](c.Request().Body)
	if err != nil {
		return writeComputeError(c, err)
	}
	if req.ChunkSize < 0 {
		return writeComputeError(c, newInvalidRequest("chunk_size %d must be >= 0", req.ChunkSize))
	}
	eps := online.Epsilon
	if req.Epsilon != nil {
		if *req.Epsilon < 0 {
			return writeComputeError(c, newInvalidRequest("epsilon %v must be >= 0", *req.Epsilon))
		}
		eps = *req.Epsilon
	}

	var stream online.Stream
	for _, x := range req.Logits {
		stream.Push(x)
	}

	probs := online.Softmax(req.Logits, eps)
	if req.ChunkSize > 0 {
		probs = online.SoftmaxChunked(req.Logits, req.ChunkSize, eps)
	}

	resp := SoftmaxResponse{
		ID:            newID("smx"),
		Probabilities: probs,
		State:         stateDTO(stream.State()),
	}
	s.log.Info("softmax request", "id", resp.ID, "logits", len(req.Logits), "chunk_size", req.ChunkSize)
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleCombine(c *echo.Context) error {
	req, err := decodeJSON[CombineRequest](c.Request().Body)
	if err != nil {
		return writeComputeError(c, err)
	}
	if len(req.Partials) == 0 {
		return writeComputeError(c, reduction.ErrNoPartials)
	}

	partials := make([]reduction.PartialResult, len(req.Partials))
	for i, p := range req.Partials {
		if p.State.Sum < 0 {
			return writeComputeError(c, newInvalidRequest("partial %d: sum %v must be >= 0", i, p.State.Sum))
		}
		partials[i] = reduction.PartialResult{Row: p.Row, State: p.State.state()}
	}

	last := slices.MaxFunc(partials, func(a, b reduction.PartialResult) int { return cmp.Compare(a.Row, b.Row) }).Row
	if last >= s.opts.MaxElements {
		return writeComputeError(c, newInvalidRequest("row %d exceeds limit of %d rows", last, s.opts.MaxElements))
	}
	rows := last + 1
	if req.Rows != nil {
		rows = *req.Rows
	}
	if rows < 0 {
		return writeComputeError(c, newInvalidRequest("rows %d must be >= 0", rows))
	}
	dim := 0
	for _, p := range partials {
		dim = max(dim, len(p.State.Output))
	}
	if rows > s.opts.MaxElements || rows*max(dim, 1) > s.opts.MaxElements {
		return writeComputeError(c, newInvalidRequest("%d rows of dimension %d exceed limit of %d elements", rows, dim, s.opts.MaxElements))
	}
	eps := online.Epsilon
	if req.Epsilon != nil {
		if *req.Epsilon < 0 {
			return writeComputeError(c, newInvalidRequest("epsilon %v must be >= 0", *req.Epsilon))
		}
		eps = *req.Epsilon
	}

	states, err := reduction.CombineRows(partials, rows)
	if err != nil {
		return writeComputeError(c, err)
	}

	resp := CombineResponse{ID: newID("cmb"), States: statesDTO(states)}
	if len(states) > 0 && states[0].Output != nil {
		resp.Output = make([][]float64, len(states))
		for i, st := range states {
			resp.Output[i] = st.Normalize(eps)
		}
	}
	s.log.Info("combine request", "id", resp.ID, "partials", len(partials), "rows", rows)
	return writeJSON(c, http.StatusOK, resp)
}
