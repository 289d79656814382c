// Package api serves an attention layer over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/workspace"
)

type Server struct {
	layer *attention.Layer[float32]
	pool  *device.Pool
	log   logger.Logger
	clock func() time.Time
}

// NewServer serves layer, running invocations on handles checked out of pool.
func NewServer(layer *attention.Layer[float32], pool *device.Pool, log logger.Logger) *Server {
	return &Server{
		layer: layer,
		pool:  pool,
		log:   logger.OrDiscard(log).With("component", "api"),
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/attention/forward", s.handleForward)
	e.GET("/v1/attention/workspace", s.handleWorkspace)
	e.GET("/v1/attention/layer", s.handleLayer)
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeError(c, newInvalidRequest(err.Error()))
	}
	if len(req.Query) == 0 {
		return writeError(c, newInvalidRequest("query is required"))
	}
	d := attention.Dims{Batch: req.Batch, SeqQ: req.SeqQ, SeqKV: req.SeqKV}
	if d.SeqKV == 0 {
		d.SeqKV = d.SeqQ
	}
	size, err := s.layer.WorkspaceSize(d)
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	h, err := s.pool.Get(ctx)
	if err != nil {
		return writeError(c, err)
	}
	abandoned := false
	defer func() { s.release(h, abandoned) }()

	id := "inv-" + uuid.NewString()
	out := make([]float32, len(req.Query))
	start := s.clock()
	err = attention.Run(ctx, s.layer, attention.Args[float32]{
		Dims:      d,
		Query:     req.Query,
		KeyValue:  req.KeyValue,
		Mask:      req.Mask,
		Output:    out,
		Workspace: workspace.Alloc(size),
	}, h)
	if err != nil {
		abandoned = ctx.Err() != nil
		s.log.Warn("forward failed", "id", id, "error", err)
		return writeError(c, err)
	}
	elapsed := s.clock().Sub(start)
	s.log.Info("forward", "id", id, "batch", d.Batch, "seq_q", d.SeqQ, "seq_kv", d.SeqKV,
		"workspace_bytes", size, "elapsed", elapsed)

	return c.JSON(http.StatusOK, ForwardResponse{
		ID:             id,
		Output:         out,
		Shape:          []int{d.Batch, d.SeqQ, s.layer.Config().Hidden},
		WorkspaceBytes: size,
		ElapsedMS:      float64(elapsed.Microseconds()) / 1000,
	})
}

// release returns h to the pool. A handle whose invocation was abandoned
// mid-flight is drained first so its stream is idle and error-free for the
// next caller.
func (s *Server) release(h *device.Handle, abandoned bool) {
	if abandoned {
		if err := h.Synchronize(context.Background()); err != nil {
			s.log.Warn("abandoned invocation failed", "handle", h.ID(), "error", err)
		}
	}
	s.pool.Put(h)
}

func (s *Server) handleWorkspace(c *echo.Context) error {
	var d attention.Dims
	for _, q := range []struct {
		name string
		dst  *int
	}{
		{"batch", &d.Batch},
		{"seq_q", &d.SeqQ},
		{"seq_kv", &d.SeqKV},
	} {
		v := c.QueryParam(q.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return writeError(c, newInvalidRequest(q.name+" must be an integer"))
		}
		*q.dst = n
	}
	if d.SeqKV == 0 {
		d.SeqKV = d.SeqQ
	}
	layout, err := s.layer.WorkspaceLayout(d)
	if err != nil {
		return writeError(c, err)
	}
	regions := make([]RegionInfo, 0, len(layout.Regions))
	for _, r := range layout.Regions {
		regions = append(regions, RegionInfo{Name: r.Name, DType: r.DType.String(), Offset: r.Offset, Bytes: r.Bytes()})
	}
	return c.JSON(http.StatusOK, WorkspaceResponse{
		Batch:   d.Batch,
		SeqQ:    d.SeqQ,
		SeqKV:   d.SeqKV,
		Bytes:   layout.Size,
		Regions: regions,
	})
}

func (s *Server) handleLayer(c *echo.Context) error {
	cfg := s.layer.Config()
	resp := LayerResponse{
		Hidden:         cfg.Hidden,
		HeadNum:        cfg.HeadNum,
		HeadDim:        cfg.HeadDim,
		CrossAttention: cfg.CrossAttention,
		Mode:           cfg.Mode.String(),
		DType:          s.layer.DType().String(),
		Epsilon:        cfg.Epsilon,
	}
	if st := s.layer.Scales(); st != nil {
		resp.Scales = st.Slice()
	}
	return c.JSON(http.StatusOK, resp)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
