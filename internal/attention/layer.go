// Package attention implements the multi-head attention block of an
// encoder/decoder speech model: layer norm, Q/K/V projection, scaled masked
// softmax, context, output projection and the pre-norm residual, plus an int8
// route that runs every matrix multiply on quantized COL32 operands.
//
// A Layer owns immutable weights and may serve any number of concurrent
// invocations. Each invocation brings its own workspace and device.Handle.
package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/workspace"
)

// DefaultEpsilon is the layer norm epsilon used when Config.Epsilon is zero.
const DefaultEpsilon = 1e-5

// Config is the static shape and numeric configuration of a layer.
type Config struct {
	Hidden         int
	HeadNum        int
	HeadDim        int
	CrossAttention bool
	Mode           numeric.Mode
	Epsilon        float32
}

func (c Config) withDefaults() Config {
	if c.Epsilon == 0 {
		c.Epsilon = DefaultEpsilon
	}
	return c
}

// Validate checks the head layout and numeric mode.
func (c Config) Validate() error {
	if c.Hidden <= 0 || c.HeadNum <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("%w: hidden=%d head_num=%d head_dim=%d must be positive", ErrConfig, c.Hidden, c.HeadNum, c.HeadDim)
	}
	if c.Hidden != c.HeadNum*c.HeadDim {
		return fmt.Errorf("%w: %w: hidden %d != head_num %d * head_dim %d", ErrConfig, ErrShapeMismatch, c.Hidden, c.HeadNum, c.HeadDim)
	}
	if !(c.Epsilon > 0) {
		return fmt.Errorf("%w: epsilon %g must be positive", ErrConfig, c.Epsilon)
	}
	switch c.Mode {
	case numeric.ModeFloat:
	case numeric.ModeInt8:
		if c.CrossAttention {
			return fmt.Errorf("%w: the int8 route supports self-attention only", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown numeric mode %s", ErrConfig, c.Mode)
	}
	return nil
}

// Projection is one dense map Y = X·Weight + Bias with Weight row-major
// [hidden_in, hidden_out].
type Projection[E numeric.Element] struct {
	Weight []E
	Bias   []E
}

// QuantizedWeights are the int8 forms of the four projection weights.
type QuantizedWeights struct {
	Query, Key, Value, Output quant.Matrix
}

// Params holds the weights of one layer. Slices are retained, not copied, and
// must not be modified while the layer is in use.
type Params[E numeric.Element] struct {
	Query, Key, Value, Output Projection[E]
	NormScale, NormShift      []E

	// Scales is required by the int8 route.
	Scales *quant.ScaleTable
	// Quantized supplies int8 weights for the int8 route. When nil the float
	// weights are quantized per tensor at their largest magnitude.
	Quantized *QuantizedWeights
}

// ConvertParams re-encodes float32 weights as E. Scale tables and int8 weights
// are shared, not copied.
func ConvertParams[E numeric.Element](p Params[float32]) Params[E] {
	proj := func(pr Projection[float32]) Projection[E] {
		return Projection[E]{Weight: numeric.Convert[E](pr.Weight), Bias: numeric.Convert[E](pr.Bias)}
	}
	return Params[E]{
		Query:     proj(p.Query),
		Key:       proj(p.Key),
		Value:     proj(p.Value),
		Output:    proj(p.Output),
		NormScale: numeric.Convert[E](p.NormScale),
		NormShift: numeric.Convert[E](p.NormShift),
		Scales:    p.Scales,
		Quantized: p.Quantized,
	}
}

// Option configures NewLayer.
type Option func(*layerOptions)

type layerOptions struct {
	log logger.Logger
}

// WithLogger sets the logger enqueue decisions are reported to.
func WithLogger(l logger.Logger) Option {
	return func(o *layerOptions) { o.log = l }
}

// Layer is a configured attention block.
type Layer[E numeric.Element] struct {
	cfg    Config
	params Params[E]
	ar     numeric.Arith[E]
	scale  float32
	log    logger.Logger

	// int8 route only.
	scales  quant.ScaleTable
	kernels [4]quant.Kernel
}

const (
	projQuery = iota
	projKey
	projValue
	projOutput
)

var projNames = [4]string{"query", "key", "value", "output"}

// NewLayer validates cfg and params and prepares the weights for cfg.Mode.
func NewLayer[E numeric.Element](cfg Config, params Params[E], opts ...Option) (*Layer[E], error) {
	var o layerOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := cfg.Hidden
	projs := [4]Projection[E]{params.Query, params.Key, params.Value, params.Output}
	for i, p := range projs {
		if len(p.Weight) != h*h {
			return nil, fmt.Errorf("%w: %s weight has %d values, want %d", ErrConfig, projNames[i], len(p.Weight), h*h)
		}
		if len(p.Bias) != h {
			return nil, fmt.Errorf("%w: %s bias has %d values, want %d", ErrConfig, projNames[i], len(p.Bias), h)
		}
	}
	if len(params.NormScale) != h || len(params.NormShift) != h {
		return nil, fmt.Errorf("%w: norm scale/shift have %d/%d values, want %d", ErrConfig, len(params.NormScale), len(params.NormShift), h)
	}

	l := &Layer[E]{
		cfg:    cfg,
		params: params,
		ar:     numeric.For[E](),
		scale:  float32(1 / math.Sqrt(float64(cfg.HeadDim))),
		log:    logger.OrDiscard(o.log).With("component", "attention"),
	}
	if cfg.Mode == numeric.ModeInt8 {
		if err := l.prepareInt8(params); err != nil {
			return nil, err
		}
	}
	l.log.Debug("layer ready", "hidden", h, "heads", cfg.HeadNum, "head_dim", cfg.HeadDim,
		"cross", cfg.CrossAttention, "mode", cfg.Mode, "dtype", l.ar.DType())
	return l, nil
}

func (l *Layer[E]) prepareInt8(params Params[E]) error {
	if err := params.Scales.Validate(); err != nil {
		return err
	}
	l.scales = *params.Scales

	var mats [4]quant.Matrix
	if q := params.Quantized; q != nil {
		mats = [4]quant.Matrix{q.Query, q.Key, q.Value, q.Output}
	} else {
		h := l.cfg.Hidden
		projs := [4]Projection[E]{params.Query, params.Key, params.Value, params.Output}
		w := make([]float32, h*h)
		for i, p := range projs {
			numeric.ToFloat32(w, p.Weight)
			mats[i] = quant.QuantizeMatrix(w, h, h)
		}
	}
	for i, m := range mats {
		if m.In != l.cfg.Hidden || m.Out != l.cfg.Hidden {
			return fmt.Errorf("%w: int8 %s weight is [%d, %d], want [%d, %d]", ErrConfig, projNames[i], m.In, m.Out, l.cfg.Hidden, l.cfg.Hidden)
		}
		k, err := quant.PrepareKernel(m)
		if err != nil {
			return fmt.Errorf("%s weight: %w", projNames[i], err)
		}
		l.kernels[i] = k
	}
	return nil
}

// Config returns the layer configuration.
func (l *Layer[E]) Config() Config { return l.cfg }

// DType returns the activation element type of the layer.
func (l *Layer[E]) DType() numeric.DType { return l.ar.DType() }

// Scales returns a copy of the int8 scale table, or nil in float mode.
func (l *Layer[E]) Scales() *quant.ScaleTable {
	if l.cfg.Mode != numeric.ModeInt8 {
		return nil
	}
	st := l.scales
	return &st
}

// Dims are the per-invocation sizes.
type Dims struct {
	Batch int
	SeqQ  int
	SeqKV int
}

func (l *Layer[E]) shape(d Dims) workspace.Shape {
	return workspace.Shape{
		Batch:   d.Batch,
		SeqQ:    d.SeqQ,
		SeqKV:   d.SeqKV,
		Hidden:  l.cfg.Hidden,
		HeadNum: l.cfg.HeadNum,
	}
}

func (l *Layer[E]) mode() workspace.Mode {
	return workspace.Mode{Activation: l.ar.DType(), Numeric: l.cfg.Mode}
}

// WorkspaceSize returns the scratch bytes one invocation with dims needs.
func (l *Layer[E]) WorkspaceSize(d Dims) (int, error) {
	size, err := workspace.Size(l.shape(d), l.mode())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return size, nil
}

// WorkspaceLayout returns the named regions of the workspace for dims.
func (l *Layer[E]) WorkspaceLayout(d Dims) (workspace.Layout, error) {
	layout, err := workspace.Plan(l.shape(d), l.mode())
	if err != nil {
		return workspace.Layout{}, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return layout, nil
}
