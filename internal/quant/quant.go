// Package quant holds the int8 calibration data of an attention layer and the
// helpers that move tensors on and off the symmetric int8 grid.
package quant

import (
	"errors"
	"fmt"

	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/tensor"
)

// ErrMissingScale is returned when the int8 route is requested without a
// complete, strictly positive scale table.
var ErrMissingScale = errors.New("missing quantization scale")

// ProbScale is the fixed quantization step of softmax probabilities.
const ProbScale = float32(1.0 / 127.0)

// Index into a ScaleTable.
const (
	ScaleInput = iota
	ScaleQuery
	ScaleKey
	ScaleValue
	ScaleScore
	ScaleOutput

	NumScales
)

var scaleNames = [NumScales]string{"input", "query", "key", "value", "score", "output"}

// ScaleName returns the name of scale table entry i.
func ScaleName(i int) string {
	if i < 0 || i >= NumScales {
		return fmt.Sprintf("scale(%d)", i)
	}
	return scaleNames[i]
}

// ScaleTable holds the per-tensor quantization steps of one layer. It is
// read-only once the layer is built.
type ScaleTable [NumScales]float32

// NewScaleTable builds a table from a flat list in ScaleInput..ScaleOutput
// order.
func NewScaleTable(list []float32) (*ScaleTable, error) {
	if len(list) != NumScales {
		return nil, fmt.Errorf("%w: scale list has %d entries, want %d", ErrMissingScale, len(list), NumScales)
	}
	var st ScaleTable
	copy(st[:], list)
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

// Validate reports the first entry that is not strictly positive.
func (st *ScaleTable) Validate() error {
	if st == nil {
		return fmt.Errorf("%w: no scale table", ErrMissingScale)
	}
	for i, s := range st {
		if !(s > 0) {
			return fmt.Errorf("%w: %s scale is %g", ErrMissingScale, ScaleName(i), s)
		}
	}
	return nil
}

// Slice returns the table as a flat list.
func (st *ScaleTable) Slice() []float32 {
	out := make([]float32, NumScales)
	copy(out, st[:])
	return out
}

// Quantize writes round(src/scale) clamped to [-127, 127] into dst.
func Quantize(dst []int8, src []float32, scale float32) {
	for i, v := range src {
		dst[i] = numeric.QuantizeValue(v, scale)
	}
}

// Dequantize writes q*scale into dst.
func Dequantize(dst []float32, src []int8, scale float32) {
	for i, q := range src {
		dst[i] = float32(q) * scale
	}
}

// Calibrate returns the step that maps the largest magnitude in x onto 127.
// An all-zero input yields the step 1/127.
func Calibrate(x []float32) float32 {
	m := tensor.MaxAbs(x)
	if m == 0 {
		return ProbScale
	}
	return m / 127
}

// Matrix is a per-tensor symmetric int8 weight, row-major [in, out].
type Matrix struct {
	In, Out int
	Data    []int8
	Scale   float32
}

// QuantizeMatrix calibrates and quantizes a float weight of shape [in, out].
func QuantizeMatrix(w []float32, in, out int) Matrix {
	scale := Calibrate(w)
	data := make([]int8, len(w))
	Quantize(data, w, scale)
	return Matrix{In: in, Out: out, Data: data, Scale: scale}
}

// Validate checks the matrix shape and scale.
func (m Matrix) Validate() error {
	if m.In <= 0 || m.Out <= 0 || len(m.Data) != m.In*m.Out {
		return fmt.Errorf("int8 weight: %d values for shape [%d, %d]", len(m.Data), m.In, m.Out)
	}
	if !(m.Scale > 0) {
		return fmt.Errorf("%w: weight scale is %g", ErrMissingScale, m.Scale)
	}
	return nil
}

// Kernel is a weight prepared for tensor.GemmInt8Col32: the transpose
// [out, in] stored in COL32 order.
type Kernel struct {
	In, Out int
	Data    []int8
	Scale   float32
}

// PrepareKernel transposes m and lays it out in COL32 order.
func PrepareKernel(m Matrix) (Kernel, error) {
	if err := m.Validate(); err != nil {
		return Kernel{}, err
	}
	t := make([]int8, m.In*m.Out)
	for i := 0; i < m.In; i++ {
		for j := 0; j < m.Out; j++ {
			t[j*m.In+i] = m.Data[i*m.Out+j]
		}
	}
	data := make([]int8, tensor.Col32Len(m.Out, m.In))
	tensor.RowMajorToCol32(data, t, m.Out, m.In)
	return Kernel{In: m.In, Out: m.Out, Data: data, Scale: m.Scale}, nil
}
