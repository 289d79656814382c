package plugin

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/x448/float16"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/workspace"
)

const (
	AttentionName    = "MultiHeadAttn"
	AttentionVersion = "1"

	// Head layout used when the creation fields leave it out.
	DefaultHeadNum = 4
	DefaultHeadDim = 64
)

// Attention plugin inputs, in order.
const (
	InQuery = iota
	InKeyValue
	InMask
	InQueryWeight
	InQueryBias
	InKeyWeight
	InKeyBias
	InValueWeight
	InValueBias
	InOutputWeight
	InOutputBias
	InNormGamma
	InNormBeta

	numAttentionInputs
)

var attentionInputNames = [numAttentionInputs]string{
	"query", "key_value", "mask",
	"query.weight", "query.bias", "key.weight", "key.bias",
	"value.weight", "value.bias", "output.weight", "output.bias",
	"norm.gamma", "norm.beta",
}

type attentionCreator struct {
	log logger.Logger
}

// NewAttentionCreator returns the creator of multi-head attention plugins.
func NewAttentionCreator(log logger.Logger) Creator {
	return &attentionCreator{log: logger.OrDiscard(log)}
}

func (c *attentionCreator) Name() string    { return AttentionName }
func (c *attentionCreator) Version() string { return AttentionVersion }

func (c *attentionCreator) Fields() []FieldSpec {
	return []FieldSpec{
		{Name: "AttentionType", Kind: "string"},
		{Name: "HeadNum", Kind: "int"},
		{Name: "HeadDim", Kind: "int"},
		{Name: "ScaleList", Kind: "[]float32"},
	}
}

// Create accepts AttentionType ("self" or "cross"), HeadNum, HeadDim and
// ScaleList. A scale list selects the int8 route.
func (c *attentionCreator) Create(layerName string, fields []Field) (Plugin, error) {
	p := &attentionPlugin{
		layerName: layerName,
		headNum:   DefaultHeadNum,
		headDim:   DefaultHeadDim,
		log:       c.log,
		cache:     &layerCache{},
	}
	for _, f := range fields {
		var err error
		switch f.Name {
		case "AttentionType":
			var s string
			if s, err = fieldString(f); err != nil {
				break
			}
			switch s {
			case "self":
				p.cross = false
			case "cross":
				p.cross = true
			default:
				err = fmt.Errorf("%w: AttentionType %q (expected self or cross)", ErrField, s)
			}
		case "HeadNum":
			p.headNum, err = fieldInt(f)
		case "HeadDim":
			p.headDim, err = fieldInt(f)
		case "ScaleList":
			p.scales, err = fieldFloats(f)
		default:
			err = fmt.Errorf("%w: unknown field %q", ErrField, f.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Deserialize decodes the descriptor: one cross flag byte, then head_num,
// head_dim and the scale count as little endian uint32, then the scales as
// little endian float32.
func (c *attentionCreator) Deserialize(layerName string, data []byte) (Plugin, error) {
	const header = 1 + 3*4
	if len(data) < header {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrDescriptor, len(data), header)
	}
	if data[0] > 1 {
		return nil, fmt.Errorf("%w: cross flag %d", ErrDescriptor, data[0])
	}
	p := &attentionPlugin{
		layerName: layerName,
		cross:     data[0] == 1,
		headNum:   int(binary.LittleEndian.Uint32(data[1:])),
		headDim:   int(binary.LittleEndian.Uint32(data[5:])),
		log:       c.log,
		cache:     &layerCache{},
	}
	n := int(binary.LittleEndian.Uint32(data[9:]))
	if len(data) != header+4*n {
		return nil, fmt.Errorf("%w: %d bytes for %d scales", ErrDescriptor, len(data), n)
	}
	if n > 0 {
		p.scales = make([]float32, n)
		for i := range p.scales {
			p.scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[header+4*i:]))
		}
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}
	return p, nil
}

type attentionPlugin struct {
	layerName        string
	cross            bool
	headNum, headDim int
	scales           []float32
	log              logger.Logger
	cache            *layerCache
}

// weightRef identifies one weight input by its backing array.
type weightRef struct {
	data *byte
	n    int
}

// weightKey identifies the weight inputs of an Enqueue call. Weights rewritten
// in place behind the same arrays are not detected; callers doing that must
// use a fresh Clone.
type weightKey struct {
	dtype   numeric.DType
	weights [numAttentionInputs - InQueryWeight]weightRef
}

func keyOf(inputs []Tensor) weightKey {
	k := weightKey{dtype: inputs[InQuery].DType}
	for i := InQueryWeight; i < numAttentionInputs; i++ {
		if d := inputs[i].Data; len(d) > 0 {
			k.weights[i-InQueryWeight] = weightRef{data: &d[0], n: len(d)}
		}
	}
	return k
}

// layerCache holds the layer built for the most recent weight inputs, so
// repeated calls with the same weights skip quantization and kernel
// preparation.
type layerCache struct {
	mu    sync.Mutex
	key   weightKey
	layer any
	hits  int
}

func (p *attentionPlugin) config() attention.Config {
	cfg := attention.Config{
		Hidden:         p.headNum * p.headDim,
		HeadNum:        p.headNum,
		HeadDim:        p.headDim,
		CrossAttention: p.cross,
		Epsilon:        attention.DefaultEpsilon,
	}
	if len(p.scales) > 0 {
		cfg.Mode = numeric.ModeInt8
	}
	return cfg
}

func (p *attentionPlugin) validate() error {
	if err := p.config().Validate(); err != nil {
		return err
	}
	if len(p.scales) > 0 {
		if _, err := quant.NewScaleTable(p.scales); err != nil {
			return err
		}
	}
	return nil
}

func (p *attentionPlugin) Name() string      { return AttentionName }
func (p *attentionPlugin) Version() string   { return AttentionVersion }
func (p *attentionPlugin) LayerName() string { return p.layerName }
func (p *attentionPlugin) NumInputs() int    { return numAttentionInputs }

func (p *attentionPlugin) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 13+4*len(p.scales))
	var cross byte
	if p.cross {
		cross = 1
	}
	buf = append(buf, cross)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.headNum))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.headDim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.scales)))
	for _, s := range p.scales {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}
	return buf, nil
}

func (p *attentionPlugin) Clone() Plugin {
	c := *p
	c.cache = &layerCache{}
	c.scales = append([]float32(nil), p.scales...)
	if len(c.scales) == 0 {
		c.scales = nil
	}
	return &c
}

// OutputDims returns the query shape.
func (p *attentionPlugin) OutputDims(inputs [][]int) ([]int, error) {
	if len(inputs) != numAttentionInputs {
		return nil, fmt.Errorf("%w: %d inputs, want %d", ErrInputs, len(inputs), numAttentionInputs)
	}
	if _, _, _, err := dims3("query", inputs[InQuery]); err != nil {
		return nil, err
	}
	return append([]int(nil), inputs[InQuery]...), nil
}

func (p *attentionPlugin) dims(inputs []Tensor) (attention.Dims, error) {
	if len(inputs) != numAttentionInputs {
		return attention.Dims{}, fmt.Errorf("%w: %d inputs, want %d", ErrInputs, len(inputs), numAttentionInputs)
	}
	b, sq, _, err := dims3("query", inputs[InQuery].Dims)
	if err != nil {
		return attention.Dims{}, err
	}
	d := attention.Dims{Batch: b, SeqQ: sq, SeqKV: sq}
	if p.cross {
		kb, skv, _, err := dims3("key_value", inputs[InKeyValue].Dims)
		if err != nil {
			return attention.Dims{}, err
		}
		if kb != b {
			return attention.Dims{}, fmt.Errorf("%w: key_value batch %d != query batch %d", attention.ErrShapeMismatch, kb, b)
		}
		d.SeqKV = skv
	}
	return d, nil
}

func (p *attentionPlugin) WorkspaceSize(inputs []Tensor) (int, error) {
	d, err := p.dims(inputs)
	if err != nil {
		return 0, err
	}
	dt := inputs[InQuery].DType
	if !dt.Activation() {
		return 0, fmt.Errorf("%w: %s", numeric.ErrUnsupportedDType, dt)
	}
	cfg := p.config()
	return workspace.Size(workspace.Shape{
		Batch:   d.Batch,
		SeqQ:    d.SeqQ,
		SeqKV:   d.SeqKV,
		Hidden:  cfg.Hidden,
		HeadNum: cfg.HeadNum,
	}, workspace.Mode{Activation: dt, Numeric: cfg.Mode})
}

// Enqueue dispatches on the query dtype. Every other tensor must share it.
func (p *attentionPlugin) Enqueue(inputs []Tensor, output Tensor, ws []byte, h *device.Handle) error {
	if err := checkHandle(h); err != nil {
		return err
	}
	if len(inputs) != numAttentionInputs {
		return fmt.Errorf("%w: %d inputs, want %d", ErrInputs, len(inputs), numAttentionInputs)
	}
	switch dt := inputs[InQuery].DType; dt {
	case numeric.DTypeF32:
		return enqueueAttention[float32](p, inputs, output, ws, h)
	case numeric.DTypeF16:
		return enqueueAttention[float16.Float16](p, inputs, output, ws, h)
	default:
		return fmt.Errorf("%w: %s query", numeric.ErrUnsupportedDType, dt)
	}
}

func enqueueAttention[E numeric.Element](p *attentionPlugin, inputs []Tensor, output Tensor, ws []byte, h *device.Handle) error {
	d, err := p.dims(inputs)
	if err != nil {
		return err
	}
	var vals [numAttentionInputs][]E
	for i, t := range inputs {
		if i == InKeyValue && !p.cross {
			continue
		}
		if i == InMask && len(t.Data) == 0 {
			continue
		}
		if vals[i], err = values[E](t, attentionInputNames[i]); err != nil {
			return err
		}
	}
	out, err := values[E](output, "output")
	if err != nil {
		return err
	}

	layer, err := cachedLayer(p, keyOf(inputs), func() (*attention.Layer[E], error) {
		params := attention.Params[E]{
			Query:     attention.Projection[E]{Weight: vals[InQueryWeight], Bias: vals[InQueryBias]},
			Key:       attention.Projection[E]{Weight: vals[InKeyWeight], Bias: vals[InKeyBias]},
			Value:     attention.Projection[E]{Weight: vals[InValueWeight], Bias: vals[InValueBias]},
			Output:    attention.Projection[E]{Weight: vals[InOutputWeight], Bias: vals[InOutputBias]},
			NormScale: vals[InNormGamma],
			NormShift: vals[InNormBeta],
		}
		if len(p.scales) > 0 {
			var err error
			if params.Scales, err = quant.NewScaleTable(p.scales); err != nil {
				return nil, err
			}
		}
		return attention.NewLayer(p.config(), params, attention.WithLogger(p.log.With("layer", p.layerName)))
	})
	if err != nil {
		return err
	}
	return layer.Forward(attention.Args[E]{
		Dims:      d,
		Query:     vals[InQuery],
		KeyValue:  vals[InKeyValue],
		Mask:      vals[InMask],
		Output:    out,
		Workspace: ws,
	}, h)
}

// cachedLayer returns the layer built for key, building it with build on a
// miss. Failed builds are not cached.
func cachedLayer[E numeric.Element](p *attentionPlugin, key weightKey, build func() (*attention.Layer[E], error)) (*attention.Layer[E], error) {
	c := p.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.layer.(*attention.Layer[E]); ok && c.key == key {
		c.hits++
		return l, nil
	}
	l, err := build()
	if err != nil {
		return nil, err
	}
	c.key, c.layer = key, l
	p.log.Debug("built layer", "layer", p.layerName, "dtype", key.dtype)
	return l, nil
}
