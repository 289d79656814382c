package device

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/samcharles93/mhattn/internal/logger"
)

// Backend selects the float32 GEMM implementation of a handle.
type Backend int

const (
	// BackendBLAS runs GEMMs through gonum's blas32.
	BackendBLAS Backend = iota
	// BackendTiled runs GEMMs through the blocked kernel in internal/tensor.
	BackendTiled
)

func (b Backend) String() string {
	switch b {
	case BackendBLAS:
		return "blas"
	case BackendTiled:
		return "tiled"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend accepts blas or tiled.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blas", "gonum":
		return BackendBLAS, nil
	case "tiled", "native":
		return BackendTiled, nil
	default:
		return BackendBLAS, fmt.Errorf("unknown gemm backend %q (expected blas or tiled)", s)
	}
}

// HandleOptions configures NewHandle.
type HandleOptions struct {
	Backend Backend
	// Workers bounds the goroutines one GEMM call fans out to. <= 0 means
	// GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

var handleSeq atomic.Uint64

// Handle is a GEMM execution context. It is bound to one stream at a time and
// must not be shared by concurrent invocations; SetStream rebinds it right
// before an invocation enqueues its work.
type Handle struct {
	id      uint64
	backend Backend
	workers int
	log     logger.Logger
	stream  *Stream
}

// NewHandle returns a handle with no stream bound.
func NewHandle(opts HandleOptions) *Handle {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	id := handleSeq.Add(1)
	return &Handle{
		id:      id,
		backend: opts.Backend,
		workers: workers,
		log:     logger.OrDiscard(opts.Logger).With("component", "handle", "handle", id),
	}
}

// ID identifies the handle in logs.
func (h *Handle) ID() uint64 { return h.id }

// Backend returns the GEMM backend.
func (h *Handle) Backend() Backend { return h.backend }

// Workers returns the fan-out limit of one GEMM call.
func (h *Handle) Workers() int { return h.workers }

// SetStream binds s; subsequent operations issued through h go to s.
func (h *Handle) SetStream(s *Stream) { h.stream = s }

// Stream returns the bound stream, or nil.
func (h *Handle) Stream() *Stream { return h.stream }

// Enqueue appends fn to the bound stream.
func (h *Handle) Enqueue(name string, fn func() error) error {
	if h.stream == nil {
		return fmt.Errorf("%w: handle %d has no stream bound", ErrResource, h.id)
	}
	return h.stream.Enqueue(name, fn)
}

// Synchronize waits for the bound stream.
func (h *Handle) Synchronize(ctx context.Context) error {
	if h.stream == nil {
		return fmt.Errorf("%w: handle %d has no stream bound", ErrResource, h.id)
	}
	return h.stream.Synchronize(ctx)
}
