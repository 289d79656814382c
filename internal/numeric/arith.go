package numeric

import (
	"math"

	"github.com/x448/float16"
)

// Element is the set of activation element types the pipeline is generic over.
type Element interface {
	float32 | float16.Float16
}

// Arith exposes the operations the pipeline needs from an element type.
// Accumulation always happens in float32.
type Arith[E Element] interface {
	DType() DType
	Zero() E
	One() E
	FromFloat32(v float32) E
	ToFloat32(v E) float32
	// MulAdd returns acc + a*b.
	MulAdd(acc float32, a, b E) float32
	Quantize(v E, scale float32) int8
	Dequantize(q int8, scale float32) E
}

// For returns the Arith implementation for E.
func For[E Element]() Arith[E] {
	var zero E
	switch any(zero).(type) {
	case float32:
		return any(F32{}).(Arith[E])
	case float16.Float16:
		return any(F16{}).(Arith[E])
	}
	panic("numeric: unreachable element type")
}

// DTypeOf returns the runtime dtype of E.
func DTypeOf[E Element]() DType {
	return For[E]().DType()
}

// F32 is the float32 element arithmetic.
type F32 struct{}

func (F32) DType() DType                         { return DTypeF32 }
func (F32) Zero() float32                        { return 0 }
func (F32) One() float32                         { return 1 }
func (F32) FromFloat32(v float32) float32        { return v }
func (F32) ToFloat32(v float32) float32          { return v }
func (F32) MulAdd(acc, a, b float32) float32     { return acc + a*b }
func (F32) Quantize(v, scale float32) int8       { return QuantizeValue(v, scale) }
func (F32) Dequantize(q int8, s float32) float32 { return float32(q) * s }

// F16 is the IEEE half precision element arithmetic.
type F16 struct{}

func (F16) DType() DType                          { return DTypeF16 }
func (F16) Zero() float16.Float16                 { return float16.Float16(0) }
func (F16) One() float16.Float16                  { return float16.Fromfloat32(1) }
func (F16) FromFloat32(v float32) float16.Float16 { return float16.Fromfloat32(v) }
func (F16) ToFloat32(v float16.Float16) float32   { return v.Float32() }
func (F16) MulAdd(acc float32, a, b float16.Float16) float32 {
	return acc + a.Float32()*b.Float32()
}
func (F16) Quantize(v float16.Float16, scale float32) int8 {
	return QuantizeValue(v.Float32(), scale)
}
func (F16) Dequantize(q int8, s float32) float16.Float16 {
	return float16.Fromfloat32(float32(q) * s)
}

// QuantizeValue maps v onto the symmetric int8 grid with step scale:
// round(v/scale) clamped to [-127, 127]. A non-positive scale yields 0.
func QuantizeValue(v, scale float32) int8 {
	if scale <= 0 {
		return 0
	}
	r := math.Round(float64(v / scale))
	if r > 127 {
		r = 127
	} else if r < -127 {
		r = -127
	}
	return int8(r)
}

// ToFloat32 decodes src into dst.
func ToFloat32[E Element](dst []float32, src []E) {
	ar := For[E]()
	for i, v := range src {
		dst[i] = ar.ToFloat32(v)
	}
}

// FromFloat32 encodes src into dst.
func FromFloat32[E Element](dst []E, src []float32) {
	ar := For[E]()
	for i, v := range src {
		dst[i] = ar.FromFloat32(v)
	}
}

// Convert returns a freshly allocated copy of src in the element type E.
func Convert[E Element](src []float32) []E {
	out := make([]E, len(src))
	FromFloat32(out, src)
	return out
}
