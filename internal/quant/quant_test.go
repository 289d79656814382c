package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mhattn/internal/tensor"
)

func TestScaleTableValidate(t *testing.T) {
	st, err := NewScaleTable([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	require.NoError(t, err)
	assert.Equal(t, float32(0.3), st[ScaleKey])
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, st.Slice())

	_, err = NewScaleTable([]float32{1, 1, 1})
	require.ErrorIs(t, err, ErrMissingScale)

	_, err = NewScaleTable([]float32{1, 1, 0, 1, 1, 1})
	require.ErrorIs(t, err, ErrMissingScale)
	assert.Contains(t, err.Error(), "key")

	_, err = NewScaleTable([]float32{1, 1, 1, float32(math.NaN()), 1, 1})
	require.ErrorIs(t, err, ErrMissingScale)

	var nilTable *ScaleTable
	require.ErrorIs(t, nilTable.Validate(), ErrMissingScale)
}

func TestQuantizeRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const scale = float32(0.05)
	src := make([]float32, 1000)
	for i := range src {
		src[i] = (rng.Float32()*2 - 1) * 127 * scale
	}
	q := make([]int8, len(src))
	Quantize(q, src, scale)
	back := make([]float32, len(src))
	Dequantize(back, q, scale)
	for i := range src {
		require.LessOrEqual(t, math.Abs(float64(src[i]-back[i])), float64(scale)/2+1e-6, "index %d", i)
	}
}

func TestQuantizeClamps(t *testing.T) {
	q := make([]int8, 4)
	Quantize(q, []float32{1000, -1000, 0.49, -0.51}, 1)
	assert.Equal(t, []int8{127, -127, 0, -1}, q)
}

func TestCalibrate(t *testing.T) {
	assert.InDelta(t, 2.0/127, Calibrate([]float32{0.5, -2, 1}), 1e-7)
	assert.Equal(t, ProbScale, Calibrate([]float32{0, 0}))
}

func TestPrepareKernelLayout(t *testing.T) {
	const in, out = 3, 2
	m := Matrix{In: in, Out: out, Data: []int8{1, 2, 3, 4, 5, 6}, Scale: 0.5}
	k, err := PrepareKernel(m)
	require.NoError(t, err)
	require.Len(t, k.Data, tensor.Col32Len(out, in))

	// Kernel row j holds weight column j.
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			assert.Equal(t, m.Data[i*out+j], k.Data[tensor.Col32Index(out, j, i)])
		}
	}

	_, err = PrepareKernel(Matrix{In: 2, Out: 2, Data: []int8{1, 2, 3, 4}})
	require.ErrorIs(t, err, ErrMissingScale)
	_, err = PrepareKernel(Matrix{In: 2, Out: 2, Data: []int8{1}, Scale: 1})
	require.Error(t, err)
}

func TestKernelGemmMatchesFloat(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const rows, in, out = 5, 40, 24
	w := make([]float32, in*out)
	for i := range w {
		w[i] = rng.Float32() - 0.5
	}
	x := make([]float32, rows*in)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	want := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		for j := 0; j < out; j++ {
			var s float32
			for i := 0; i < in; i++ {
				s += x[r*in+i] * w[i*out+j]
			}
			want[r*out+j] = s
		}
	}

	kern, err := PrepareKernel(QuantizeMatrix(w, in, out))
	require.NoError(t, err)
	xs := Calibrate(x)
	xq := make([]int8, len(x))
	Quantize(xq, x, xs)
	xc := make([]int8, tensor.Col32Len(rows, in))
	tensor.RowMajorToCol32(xc, xq, rows, in)

	acc := make([]int32, tensor.Col32Len(rows, out))
	tensor.GemmInt8Col32(acc, xc, kern.Data, rows, out, in, 1)
	for r := 0; r < rows; r++ {
		for j := 0; j < out; j++ {
			got := float32(acc[tensor.Col32Index(rows, r, j)]) * xs * kern.Scale
			assert.InDelta(t, want[r*out+j], got, 0.05, "(%d,%d)", r, j)
		}
	}
}
