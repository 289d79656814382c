package plugin

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
)

const (
	LayerNormName    = "LayerNormPlugin"
	LayerNormVersion = "1"
)

type layerNormCreator struct {
	log logger.Logger
}

// NewLayerNormCreator returns the creator of standalone layer normalization
// plugins. Their inputs are the data [..., hidden], gamma [hidden] and
// beta [hidden].
func NewLayerNormCreator(log logger.Logger) Creator {
	return &layerNormCreator{log: logger.OrDiscard(log)}
}

func (c *layerNormCreator) Name() string    { return LayerNormName }
func (c *layerNormCreator) Version() string { return LayerNormVersion }

func (c *layerNormCreator) Fields() []FieldSpec {
	return []FieldSpec{{Name: "Epsilon", Kind: "float32"}}
}

func (c *layerNormCreator) Create(layerName string, fields []Field) (Plugin, error) {
	p := &layerNormPlugin{layerName: layerName, eps: attention.DefaultEpsilon, log: c.log}
	for _, f := range fields {
		if f.Name != "Epsilon" {
			return nil, fmt.Errorf("%w: unknown field %q", ErrField, f.Name)
		}
		eps, err := fieldFloat(f)
		if err != nil {
			return nil, err
		}
		p.eps = eps
	}
	if !(p.eps > 0) {
		return nil, fmt.Errorf("%w: epsilon %g must be positive", attention.ErrConfig, p.eps)
	}
	return p, nil
}

// Deserialize decodes the little endian float32 epsilon.
func (c *layerNormCreator) Deserialize(layerName string, data []byte) (Plugin, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("%w: %d bytes, want 4", ErrDescriptor, len(data))
	}
	eps := math.Float32frombits(binary.LittleEndian.Uint32(data))
	if !(eps > 0) {
		return nil, fmt.Errorf("%w: epsilon %g", ErrDescriptor, eps)
	}
	return &layerNormPlugin{layerName: layerName, eps: eps, log: c.log}, nil
}

type layerNormPlugin struct {
	layerName string
	eps       float32
	log       logger.Logger
}

func (p *layerNormPlugin) Name() string      { return LayerNormName }
func (p *layerNormPlugin) Version() string   { return LayerNormVersion }
func (p *layerNormPlugin) LayerName() string { return p.layerName }
func (p *layerNormPlugin) NumInputs() int    { return 3 }

func (p *layerNormPlugin) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(p.eps)), nil
}

func (p *layerNormPlugin) Clone() Plugin {
	c := *p
	return &c
}

func (p *layerNormPlugin) OutputDims(inputs [][]int) ([]int, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("%w: %d inputs, want 3", ErrInputs, len(inputs))
	}
	return append([]int(nil), inputs[0]...), nil
}

// WorkspaceSize is always zero; the normalization runs in place on rows.
func (p *layerNormPlugin) WorkspaceSize([]Tensor) (int, error) { return 0, nil }

func (p *layerNormPlugin) Enqueue(inputs []Tensor, output Tensor, _ []byte, h *device.Handle) error {
	if err := checkHandle(h); err != nil {
		return err
	}
	if len(inputs) != 3 {
		return fmt.Errorf("%w: %d inputs, want 3", ErrInputs, len(inputs))
	}
	switch dt := inputs[0].DType; dt {
	case numeric.DTypeF32:
		return enqueueLayerNorm[float32](p, inputs, output, h)
	case numeric.DTypeF16:
		return enqueueLayerNorm[float16.Float16](p, inputs, output, h)
	default:
		return fmt.Errorf("%w: %s input", numeric.ErrUnsupportedDType, dt)
	}
}

func enqueueLayerNorm[E numeric.Element](p *layerNormPlugin, inputs []Tensor, output Tensor, h *device.Handle) error {
	dims := inputs[0].Dims
	if len(dims) == 0 || dims[len(dims)-1] <= 0 {
		return fmt.Errorf("%w: input dims %v", ErrInputs, dims)
	}
	hidden := dims[len(dims)-1]
	rows := inputs[0].Elements() / hidden

	src, err := values[E](inputs[0], "input")
	if err != nil {
		return err
	}
	gamma, err := values[E](inputs[1], "gamma")
	if err != nil {
		return err
	}
	beta, err := values[E](inputs[2], "beta")
	if err != nil {
		return err
	}
	dst, err := values[E](output, "output")
	if err != nil {
		return err
	}
	if len(dst) != len(src) || len(gamma) != hidden || len(beta) != hidden {
		return fmt.Errorf("%w: output/gamma/beta have %d/%d/%d values for input %v",
			attention.ErrShapeMismatch, len(dst), len(gamma), len(beta), dims)
	}
	eps := p.eps
	p.log.Debug("enqueue layernorm", "layer", p.layerName, "rows", rows, "hidden", hidden, "dtype", inputs[0].DType)
	return h.Enqueue("layernorm", func() error {
		return attention.LayerNorm(dst, src, gamma, beta, rows, hidden, eps)
	})
}
