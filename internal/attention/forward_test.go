package attention

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/workspace"
)

func TestGoldenIdentityScenario(t *testing.T) {
	const hidden = 4
	cfg := Config{Hidden: hidden, HeadNum: 1, HeadDim: 4}
	zero := make([]float32, hidden)
	id := Projection[float32]{Weight: identity(hidden), Bias: zero}
	params := Params[float32]{
		Query: id, Key: id, Value: id, Output: id,
		NormScale: ones(hidden), NormShift: zero,
	}
	l, err := NewLayer(cfg, params)
	require.NoError(t, err)

	query := []float32{1, 2, 3, 4, 4, 3, 2, 1}
	dims := Dims{Batch: 1, SeqQ: 2, SeqKV: 2}
	size, err := l.WorkspaceSize(dims)
	require.NoError(t, err)
	ws := workspace.Alloc(size)

	h := newHandle(t, device.BackendBLAS)
	out := run(t, l, h, Args[float32]{Dims: dims, Query: query, Mask: make([]float32, 4), Workspace: ws})

	// Row 0 standardizes to n = (x-2.5)/sqrt(1.25+eps); row 1 to -n.
	inv := 1 / math.Sqrt(1.25+DefaultEpsilon)
	n := []float64{-1.5 * inv, -0.5 * inv, 0.5 * inv, 1.5 * inv}
	var nn float64
	for _, v := range n {
		nn += v * v
	}

	// Intermediate regions are still in the workspace after the run.
	arena, err := workspace.Bind(l.shape(dims), l.mode(), ws)
	require.NoError(t, err)
	norm, err := arena.F32(workspace.Norm)
	require.NoError(t, err)
	for c := 0; c < hidden; c++ {
		assert.InDelta(t, n[c], norm[c], 1e-5)
		assert.InDelta(t, -n[c], norm[hidden+c], 1e-5)
	}

	// Scores are Q·Kᵗ/2 = [[nn, -nn], [-nn, nn]]/2 before the softmax.
	s := nn / 2
	p := 1 / (1 + math.Exp(-2*s))
	probs, err := arena.F32(workspace.Scores)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{p, 1 - p, 1 - p, p}, toF64(probs), 1e-5)

	// context = p*n + (1-p)*(-n) for row 0, the negation for row 1.
	want := make([]float32, 8)
	for c := 0; c < hidden; c++ {
		ctx := (2*p - 1) * n[c]
		want[c] = float32(ctx) + query[c]
		want[hidden+c] = float32(-ctx) + query[hidden+c]
	}
	assert.InDeltaSlice(t, toF64(want), toF64(out), 1e-5)
}

func toF64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

func TestForwardMatchesReference(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		dims  Dims
		cross bool
		mask  bool
	}{
		{"self single head", Config{Hidden: 8, HeadNum: 1, HeadDim: 8}, Dims{1, 3, 3}, false, false},
		{"self multi head masked", Config{Hidden: 16, HeadNum: 4, HeadDim: 4}, Dims{2, 5, 5}, false, true},
		{"cross longer source", Config{Hidden: 12, HeadNum: 3, HeadDim: 4, CrossAttention: true}, Dims{2, 3, 7}, true, true},
		{"cross shorter source", Config{Hidden: 8, HeadNum: 2, HeadDim: 4, CrossAttention: true}, Dims{3, 6, 2}, true, false},
	}
	for i, tt := range tests {
		for _, backend := range []device.Backend{device.BackendBLAS, device.BackendTiled} {
			t.Run(tt.name+"/"+backend.String(), func(t *testing.T) {
				rng := rand.New(rand.NewSource(int64(100 + i)))
				params := randParams(rng, tt.cfg.Hidden)
				l, err := NewLayer(tt.cfg, params)
				require.NoError(t, err)

				d := tt.dims
				query := randVec(rng, d.Batch*d.SeqQ*tt.cfg.Hidden, 2)
				var kv, mask []float32
				if tt.cross {
					kv = randVec(rng, d.Batch*d.SeqKV*tt.cfg.Hidden, 1)
				}
				if tt.mask {
					mask = causalMask(d.Batch, d.SeqQ, d.SeqKV)
				}
				got := run(t, l, newHandle(t, backend), Args[float32]{Dims: d, Query: query, KeyValue: kv, Mask: mask})
				want := reference(tt.cfg, params, d, query, kv, mask)

				require.Len(t, got, d.Batch*d.SeqQ*tt.cfg.Hidden)
				assert.LessOrEqual(t, maxAbsDiff(want, got), 1e-4)
			})
		}
	}
}

func TestShapeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for _, hidden := range []int{4, 32} {
		for _, heads := range []int{1, 2, 4} {
			for _, d := range []Dims{{1, 1, 1}, {2, 3, 5}, {3, 4, 1}} {
				cfg := Config{Hidden: hidden, HeadNum: heads, HeadDim: hidden / heads, CrossAttention: true}
				l, err := NewLayer(cfg, randParams(rng, hidden))
				require.NoError(t, err)
				query := randVec(rng, d.Batch*d.SeqQ*hidden, 1)
				kv := randVec(rng, d.Batch*d.SeqKV*hidden, 1)
				out := run(t, l, newHandle(t, device.BackendTiled), Args[float32]{Dims: d, Query: query, KeyValue: kv})
				require.Len(t, out, d.Batch*d.SeqQ*hidden)
				for _, v := range out {
					require.False(t, math.IsNaN(float64(v)))
				}
			}
		}
	}
}

func TestNormalizerStandardizesRows(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const rows, hidden = 6, 64
	src := randVec(rng, rows*hidden, 5)
	for r := 0; r < rows; r++ {
		for c := 0; c < hidden; c++ {
			src[r*hidden+c] += float32(r) * 3
		}
	}
	dst := make([]float32, len(src))
	layerNorm[float32](numeric.F32{}, dst, src, ones(hidden), make([]float32, hidden), rows, hidden, DefaultEpsilon)

	for r := 0; r < rows; r++ {
		mean, variance := stat.PopMeanVariance(toF64(dst[r*hidden:(r+1)*hidden]), nil)
		assert.InDelta(t, 0, mean, 1e-5, "row %d", r)
		assert.InDelta(t, 1, variance, 1e-3, "row %d", r)
	}

	// gamma and beta map mean to beta and variance to gamma^2.
	gamma := make([]float32, hidden)
	beta := make([]float32, hidden)
	for c := range gamma {
		gamma[c], beta[c] = 2, 0.5
	}
	layerNorm[float32](numeric.F32{}, dst, src, gamma, beta, rows, hidden, DefaultEpsilon)
	mean, variance := stat.PopMeanVariance(toF64(dst[:hidden]), nil)
	assert.InDelta(t, 0.5, mean, 1e-5)
	assert.InDelta(t, 4, variance, 4e-3)
}

func TestSelfAttentionExplicitSourceEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cfg := Config{Hidden: 16, HeadNum: 2, HeadDim: 8}
	l, err := NewLayer(cfg, randParams(rng, 16))
	require.NoError(t, err)
	d := Dims{Batch: 2, SeqQ: 4, SeqKV: 4}
	query := randVec(rng, d.Batch*d.SeqQ*16, 1)
	mask := causalMask(2, 4, 4)
	h := newHandle(t, device.BackendBLAS)

	implicit := run(t, l, h, Args[float32]{Dims: d, Query: query, Mask: mask})
	explicit := run(t, l, h, Args[float32]{Dims: d, Query: query, KeyValue: query, Mask: mask})
	assert.Equal(t, implicit, explicit)
}

func TestForwardInPlaceOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	cfg := Config{Hidden: 8, HeadNum: 2, HeadDim: 4}
	l, err := NewLayer(cfg, randParams(rng, 8))
	require.NoError(t, err)
	d := Dims{Batch: 1, SeqQ: 3, SeqKV: 3}
	query := randVec(rng, 24, 1)
	h := newHandle(t, device.BackendTiled)

	separate := run(t, l, h, Args[float32]{Dims: d, Query: append([]float32(nil), query...)})
	inPlace := append([]float32(nil), query...)
	run(t, l, h, Args[float32]{Dims: d, Query: inPlace, Output: inPlace})
	assert.Equal(t, separate, inPlace)
}

func TestForwardHalfPrecision(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	cfg := Config{Hidden: 16, HeadNum: 2, HeadDim: 8}
	params := randParams(rng, 16)
	d := Dims{Batch: 2, SeqQ: 3, SeqKV: 3}
	query := randVec(rng, d.Batch*d.SeqQ*16, 1)
	mask := causalMask(2, 3, 3)
	want := reference(cfg, params, d, query, nil, mask)

	l, err := NewLayer(cfg, ConvertParams[float16.Float16](params))
	require.NoError(t, err)
	assert.Equal(t, numeric.DTypeF16, l.DType())
	out := run(t, l, newHandle(t, device.BackendBLAS), Args[float16.Float16]{
		Dims:  d,
		Query: numeric.Convert[float16.Float16](query),
		Mask:  numeric.Convert[float16.Float16](mask),
	})
	got := make([]float32, len(out))
	numeric.ToFloat32(got, out)
	assert.LessOrEqual(t, maxAbsDiff(want, got), 5e-2)
}

func TestFullyMaskedRowsStayFinite(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	cfg := Config{Hidden: 8, HeadNum: 2, HeadDim: 4}
	params := randParams(rng, 8)
	l, err := NewLayer(cfg, params)
	require.NoError(t, err)
	d := Dims{Batch: 1, SeqQ: 2, SeqKV: 2}
	query := randVec(rng, 16, 1)
	inf := float32(math.Inf(-1))
	mask := []float32{inf, inf, 0, -1e4}

	out := run(t, l, newHandle(t, device.BackendBLAS), Args[float32]{Dims: d, Query: query, Mask: mask})
	for _, v := range out {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestNewLayerErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	params := randParams(rng, 8)
	scales, err := quant.NewScaleTable([]float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.1})
	require.NoError(t, err)

	tests := []struct {
		name   string
		cfg    Config
		params func(Params[float32]) Params[float32]
		target error
	}{
		{"head layout", Config{Hidden: 8, HeadNum: 3, HeadDim: 4}, nil, ErrShapeMismatch},
		{"non-positive", Config{Hidden: 0, HeadNum: 1, HeadDim: 0}, nil, ErrConfig},
		{"negative epsilon", Config{Hidden: 8, HeadNum: 2, HeadDim: 4, Epsilon: -1}, nil, ErrConfig},
		{"int8 cross", Config{Hidden: 8, HeadNum: 2, HeadDim: 4, Mode: numeric.ModeInt8, CrossAttention: true},
			func(p Params[float32]) Params[float32] { p.Scales = scales; return p }, ErrConfig},
		{"int8 without scales", Config{Hidden: 8, HeadNum: 2, HeadDim: 4, Mode: numeric.ModeInt8}, nil, quant.ErrMissingScale},
		{"int8 zero scale", Config{Hidden: 8, HeadNum: 2, HeadDim: 4, Mode: numeric.ModeInt8},
			func(p Params[float32]) Params[float32] {
				st := *scales
				st[quant.ScaleScore] = 0
				p.Scales = &st
				return p
			}, quant.ErrMissingScale},
		{"short weight", Config{Hidden: 8, HeadNum: 2, HeadDim: 4},
			func(p Params[float32]) Params[float32] { p.Key.Weight = p.Key.Weight[:10]; return p }, ErrConfig},
		{"short norm", Config{Hidden: 8, HeadNum: 2, HeadDim: 4},
			func(p Params[float32]) Params[float32] { p.NormShift = nil; return p }, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params
			if tt.params != nil {
				p = tt.params(p)
			}
			_, err := NewLayer(tt.cfg, p)
			require.ErrorIs(t, err, tt.target)
		})
	}
}

func TestForwardRejectsBeforeEnqueue(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	self, err := NewLayer(Config{Hidden: 8, HeadNum: 2, HeadDim: 4}, randParams(rng, 8))
	require.NoError(t, err)
	cross, err := NewLayer(Config{Hidden: 8, HeadNum: 2, HeadDim: 4, CrossAttention: true}, randParams(rng, 8))
	require.NoError(t, err)

	d := Dims{Batch: 1, SeqQ: 2, SeqKV: 2}
	query := randVec(rng, 16, 1)
	size, err := self.WorkspaceSize(d)
	require.NoError(t, err)
	ws := workspace.Alloc(size)
	out := make([]float32, 16)

	tests := []struct {
		name   string
		layer  *Layer[float32]
		args   Args[float32]
		target error
	}{
		{"short query", self, Args[float32]{Dims: d, Query: query[:15], Output: out, Workspace: ws}, ErrShapeMismatch},
		{"short output", self, Args[float32]{Dims: d, Query: query, Output: out[:8], Workspace: ws}, ErrShapeMismatch},
		{"zero batch", self, Args[float32]{Dims: Dims{0, 2, 2}, Query: query, Output: out, Workspace: ws}, ErrShapeMismatch},
		{"self seq mismatch", self, Args[float32]{Dims: Dims{1, 2, 3}, Query: query, Output: out, Workspace: ws}, ErrShapeMismatch},
		{"self foreign source", self, Args[float32]{Dims: d, Query: query, KeyValue: randVec(rng, 16, 1), Output: out, Workspace: ws}, ErrShapeMismatch},
		{"cross missing source", cross, Args[float32]{Dims: d, Query: query, Output: out, Workspace: ws}, ErrShapeMismatch},
		{"mask shape", self, Args[float32]{Dims: d, Query: query, Mask: make([]float32, 3), Output: out, Workspace: ws}, ErrShapeMismatch},
		{"small workspace", self, Args[float32]{Dims: d, Query: query, Output: out, Workspace: ws[:size-1]}, workspace.ErrTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandle(t, device.BackendBLAS)
			require.ErrorIs(t, tt.layer.Forward(tt.args, h), tt.target)
			require.NoError(t, h.Synchronize(context.Background()))
			assert.Equal(t, make([]float32, 16), out, "nothing may run")
		})
	}

	err = self.Forward(Args[float32]{Dims: d, Query: query, Output: out, Workspace: ws}, device.NewHandle(device.HandleOptions{}))
	require.ErrorIs(t, err, device.ErrResource)
}

func TestWorkspaceSizeIsPure(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	l, err := NewLayer(Config{Hidden: 16, HeadNum: 4, HeadDim: 4, CrossAttention: true}, randParams(rng, 16))
	require.NoError(t, err)
	d := Dims{Batch: 2, SeqQ: 3, SeqKV: 9}
	a, err := l.WorkspaceSize(d)
	require.NoError(t, err)
	b, err := l.WorkspaceSize(d)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	layout, err := l.WorkspaceLayout(d)
	require.NoError(t, err)
	assert.Equal(t, a, layout.Size)

	_, err = l.WorkspaceSize(Dims{Batch: -1, SeqQ: 1, SeqKV: 1})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConcurrentInvocationsShareLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	cfg := Config{Hidden: 16, HeadNum: 2, HeadDim: 8}
	params := randParams(rng, 16)
	l, err := NewLayer(cfg, params)
	require.NoError(t, err)
	pool, err := device.NewPool(3, device.HandleOptions{Workers: 1})
	require.NoError(t, err)
	defer pool.Close()

	d := Dims{Batch: 1, SeqQ: 4, SeqKV: 4}
	inputs := make([][]float32, 8)
	for i := range inputs {
		inputs[i] = randVec(rng, 64, 1)
	}
	size, err := l.WorkspaceSize(d)
	require.NoError(t, err)

	results := make([][]float32, len(inputs))
	errs := make(chan error, len(inputs))
	for i := range inputs {
		go func() {
			ctx := context.Background()
			h, err := pool.Get(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer pool.Put(h)
			out := make([]float32, 64)
			err = Run(ctx, l, Args[float32]{Dims: d, Query: inputs[i], Output: out, Workspace: workspace.Alloc(size)}, h)
			results[i] = out
			errs <- err
		}()
	}
	for range inputs {
		require.NoError(t, <-errs)
	}
	for i, in := range inputs {
		assert.LessOrEqual(t, maxAbsDiff(reference(cfg, params, d, in, nil, nil), results[i]), 1e-4)
	}
}
