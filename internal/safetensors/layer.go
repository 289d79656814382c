package safetensors

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
)

// Tensor and metadata names of layer, input and output files.
const (
	NormGamma = "norm.gamma"
	NormBeta  = "norm.beta"
	ScaleList = "scale_list"

	InputQuery    = "query"
	InputKeyValue = "key_value"
	InputMask     = "mask"
	OutputName    = "output"

	MetaAttentionType = "attention_type"
	MetaHeadNum       = "head_num"
	MetaHeadDim       = "head_dim"
	MetaEpsilon       = "epsilon"
	MetaMode          = "mode"
)

var projPrefixes = [4]string{"query", "key", "value", "output"}

func weightName(i int) string      { return projPrefixes[i] + ".weight" }
func biasName(i int) string        { return projPrefixes[i] + ".bias" }
func weightScaleName(i int) string { return projPrefixes[i] + ".weight_scale" }

// Layer is the decoded content of a layer file.
type Layer struct {
	Config attention.Config
	Params attention.Params[float32]
}

// LoadLayer reads a layer file. Weights stored as I8 must carry a
// <name>.weight_scale scalar; they populate Params.Quantized and are also
// dequantized into the float weights.
func LoadLayer(path string) (*Layer, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	cfg, err := layerConfig(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var (
		p   attention.Params[float32]
		qw  [4]quant.Matrix
		nI8 int
	)
	projs := [4]*attention.Projection[float32]{&p.Query, &p.Key, &p.Value, &p.Output}
	h := cfg.Hidden
	for i, proj := range projs {
		info, ok := f.Tensor(weightName(i))
		if !ok {
			return nil, fmt.Errorf("%s: tensor not found: %s", path, weightName(i))
		}
		if info.DType == "I8" {
			data, _, err := f.ReadTensorI8(weightName(i))
			if err != nil {
				return nil, err
			}
			scale, err := f.ReadScalarF32(weightScaleName(i))
			if err != nil {
				return nil, err
			}
			qw[i] = quant.Matrix{In: h, Out: h, Data: data, Scale: scale}
			if err := qw[i].Validate(); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, weightName(i), err)
			}
			proj.Weight = make([]float32, len(data))
			quant.Dequantize(proj.Weight, data, scale)
			nI8++
		} else if proj.Weight, _, err = f.ReadTensorF32(weightName(i)); err != nil {
			return nil, err
		}
		if proj.Bias, _, err = f.ReadTensorF32(biasName(i)); err != nil {
			return nil, err
		}
	}
	switch nI8 {
	case 0:
	case 4:
		p.Quantized = &attention.QuantizedWeights{Query: qw[0], Key: qw[1], Value: qw[2], Output: qw[3]}
	default:
		return nil, fmt.Errorf("%s: %d of 4 projection weights are I8", path, nI8)
	}
	if p.NormScale, _, err = f.ReadTensorF32(NormGamma); err != nil {
		return nil, err
	}
	if p.NormShift, _, err = f.ReadTensorF32(NormBeta); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor(ScaleList); ok {
		list, _, err := f.ReadTensorF32(ScaleList)
		if err != nil {
			return nil, err
		}
		if p.Scales, err = quant.NewScaleTable(list); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return &Layer{Config: cfg, Params: p}, nil
}

func layerConfig(meta map[string]string) (attention.Config, error) {
	var cfg attention.Config
	switch t := meta[MetaAttentionType]; t {
	case "", "self":
	case "cross":
		cfg.CrossAttention = true
	default:
		return cfg, fmt.Errorf("%w: %s %q", attention.ErrConfig, MetaAttentionType, t)
	}
	var err error
	if cfg.HeadNum, err = metaInt(meta, MetaHeadNum); err != nil {
		return cfg, err
	}
	if cfg.HeadDim, err = metaInt(meta, MetaHeadDim); err != nil {
		return cfg, err
	}
	cfg.Hidden = cfg.HeadNum * cfg.HeadDim
	if s, ok := meta[MetaEpsilon]; ok {
		eps, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s %q", attention.ErrConfig, MetaEpsilon, s)
		}
		cfg.Epsilon = float32(eps)
	}
	if cfg.Mode, err = numeric.ParseMode(meta[MetaMode]); err != nil {
		return cfg, fmt.Errorf("%w: %w", attention.ErrConfig, err)
	}
	return cfg, nil
}

func metaInt(meta map[string]string, key string) (int, error) {
	s, ok := meta[key]
	if !ok {
		return 0, fmt.Errorf("%w: metadata %s missing", attention.ErrConfig, key)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata %s %q", attention.ErrConfig, key, s)
	}
	return v, nil
}

// SaveLayer writes cfg and p to path. Supplied int8 weights are written as I8
// with their scales in place of the float weights.
func SaveLayer(path string, cfg attention.Config, p attention.Params[float32]) error {
	w := NewWriter()
	attnType := "self"
	if cfg.CrossAttention {
		attnType = "cross"
	}
	w.SetMetadata(MetaAttentionType, attnType)
	w.SetMetadata(MetaHeadNum, strconv.Itoa(cfg.HeadNum))
	w.SetMetadata(MetaHeadDim, strconv.Itoa(cfg.HeadDim))
	if cfg.Epsilon != 0 {
		w.SetMetadata(MetaEpsilon, strconv.FormatFloat(float64(cfg.Epsilon), 'g', -1, 32))
	}
	w.SetMetadata(MetaMode, cfg.Mode.String())

	h := cfg.Hidden
	projs := [4]attention.Projection[float32]{p.Query, p.Key, p.Value, p.Output}
	var qw [4]quant.Matrix
	if q := p.Quantized; q != nil {
		qw = [4]quant.Matrix{q.Query, q.Key, q.Value, q.Output}
	}
	for i, proj := range projs {
		if p.Quantized != nil {
			if err := w.AddI8(weightName(i), []int{qw[i].In, qw[i].Out}, qw[i].Data); err != nil {
				return err
			}
			if err := w.AddF32(weightScaleName(i), []int{}, []float32{qw[i].Scale}); err != nil {
				return err
			}
		} else if err := w.AddF32(weightName(i), []int{h, h}, proj.Weight); err != nil {
			return err
		}
		if err := w.AddF32(biasName(i), []int{h}, proj.Bias); err != nil {
			return err
		}
	}
	if err := w.AddF32(NormGamma, []int{h}, p.NormScale); err != nil {
		return err
	}
	if err := w.AddF32(NormBeta, []int{h}, p.NormShift); err != nil {
		return err
	}
	if p.Scales != nil {
		if err := w.AddF32(ScaleList, []int{quant.NumScales}, p.Scales.Slice()); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// Input holds the tensors of one invocation read from an input file.
type Input struct {
	Dims     attention.Dims
	Hidden   int
	Query    []float32
	KeyValue []float32
	Mask     []float32
}

// LoadInput reads query [batch, seq_q, hidden] and the optional key_value
// [batch, seq_kv, hidden] and mask [batch, seq_q, seq_kv].
func LoadInput(path string) (*Input, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	q, info, err := f.ReadTensorF32(InputQuery)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 3 {
		return nil, fmt.Errorf("%w: query has shape %v, want [batch, seq, hidden]", attention.ErrShapeMismatch, info.Shape)
	}
	in := &Input{
		Dims:   attention.Dims{Batch: info.Shape[0], SeqQ: info.Shape[1], SeqKV: info.Shape[1]},
		Hidden: info.Shape[2],
		Query:  q,
	}
	if _, ok := f.Tensor(InputKeyValue); ok {
		kv, kvInfo, err := f.ReadTensorF32(InputKeyValue)
		if err != nil {
			return nil, err
		}
		if len(kvInfo.Shape) != 3 {
			return nil, fmt.Errorf("%w: key_value has shape %v", attention.ErrShapeMismatch, kvInfo.Shape)
		}
		in.KeyValue = kv
		in.Dims.SeqKV = kvInfo.Shape[1]
	}
	if _, ok := f.Tensor(InputMask); ok {
		if in.Mask, _, err = f.ReadTensorF32(InputMask); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// SaveInput writes in to path.
func SaveInput(path string, in *Input) error {
	w := NewWriter()
	d := in.Dims
	if err := w.AddF32(InputQuery, []int{d.Batch, d.SeqQ, in.Hidden}, in.Query); err != nil {
		return err
	}
	if in.KeyValue != nil {
		if err := w.AddF32(InputKeyValue, []int{d.Batch, d.SeqKV, in.Hidden}, in.KeyValue); err != nil {
			return err
		}
	}
	if in.Mask != nil {
		if err := w.AddF32(InputMask, []int{d.Batch, d.SeqQ, d.SeqKV}, in.Mask); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// SaveOutput writes the block output [batch, seq_q, hidden] in its own dtype.
func SaveOutput[E numeric.Element](path string, shape []int, out []E, meta map[string]string) error {
	w := NewWriter()
	for k, v := range meta {
		w.SetMetadata(k, v)
	}
	if err := AddElements(w, OutputName, shape, out); err != nil {
		return err
	}
	return w.WriteFile(path)
}
