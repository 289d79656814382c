package attention

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/workspace"
)

func newHandle(t *testing.T, backend device.Backend) *device.Handle {
	t.Helper()
	h := device.NewHandle(device.HandleOptions{Backend: backend, Workers: 2})
	s := device.NewStream(nil)
	t.Cleanup(s.Close)
	h.SetStream(s)
	return h
}

func randVec(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func identity(n int) []float32 {
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func randParams(rng *rand.Rand, hidden int) Params[float32] {
	ws := float32(1 / math.Sqrt(float64(hidden)))
	proj := func() Projection[float32] {
		return Projection[float32]{Weight: randVec(rng, hidden*hidden, ws), Bias: randVec(rng, hidden, 0.1)}
	}
	gamma := randVec(rng, hidden, 0.2)
	for i := range gamma {
		gamma[i] += 1
	}
	return Params[float32]{
		Query:     proj(),
		Key:       proj(),
		Value:     proj(),
		Output:    proj(),
		NormScale: gamma,
		NormShift: randVec(rng, hidden, 0.1),
	}
}

// causalMask returns a [batch, seqQ, seqKV] mask hiding keys after the query
// position, with -1e4 at disallowed positions.
func causalMask(batch, seqQ, seqKV int) []float32 {
	m := make([]float32, batch*seqQ*seqKV)
	for b := 0; b < batch; b++ {
		for i := 0; i < seqQ; i++ {
			for j := i + 1; j < seqKV; j++ {
				m[(b*seqQ+i)*seqKV+j] = -1e4
			}
		}
	}
	return m
}

// run executes one invocation with a freshly sized workspace.
func run[E numeric.Element](t *testing.T, l *Layer[E], h *device.Handle, args Args[E]) []E {
	t.Helper()
	if args.Output == nil {
		args.Output = make([]E, len(args.Query))
	}
	if args.Workspace == nil {
		size, err := l.WorkspaceSize(args.Dims)
		require.NoError(t, err)
		args.Workspace = workspace.Alloc(size)
	}
	require.NoError(t, Run(context.Background(), l, args, h))
	return args.Output
}

// trace holds the float64 intermediates of one reference pass.
type trace struct {
	norm, q, k, v, ctx []float64
	// maxScore is the largest unscaled |q·k| over all heads.
	maxScore float64
	out      []float32
}

// reference computes the attention block directly in float64.
func reference(cfg Config, p Params[float32], d Dims, query, kv, mask []float32) []float32 {
	return referenceTrace(cfg, p, d, query, kv, mask).out
}

func referenceTrace(cfg Config, p Params[float32], d Dims, query, kv, mask []float32) trace {
	hid, nh, hd := cfg.Hidden, cfg.HeadNum, cfg.HeadDim
	eps := float64(cfg.Epsilon)
	if eps == 0 {
		eps = DefaultEpsilon
	}
	norm := make([]float64, len(query))
	for r := 0; r < d.Batch*d.SeqQ; r++ {
		row := query[r*hid : (r+1)*hid]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(hid)
		for _, v := range row {
			variance += (float64(v) - mean) * (float64(v) - mean)
		}
		variance /= float64(hid)
		for c, v := range row {
			norm[r*hid+c] = (float64(v)-mean)/math.Sqrt(variance+eps)*float64(p.NormScale[c]) + float64(p.NormShift[c])
		}
	}
	src := norm
	if cfg.CrossAttention {
		src = make([]float64, len(kv))
		for i, v := range kv {
			src[i] = float64(v)
		}
	}
	linear := func(x []float64, rows int, pr Projection[float32]) []float64 {
		y := make([]float64, rows*hid)
		for r := 0; r < rows; r++ {
			for j := 0; j < hid; j++ {
				s := float64(pr.Bias[j])
				for i := 0; i < hid; i++ {
					s += x[r*hid+i] * float64(pr.Weight[i*hid+j])
				}
				y[r*hid+j] = s
			}
		}
		return y
	}
	q := linear(norm, d.Batch*d.SeqQ, p.Query)
	k := linear(src, d.Batch*d.SeqKV, p.Key)
	v := linear(src, d.Batch*d.SeqKV, p.Value)

	ctx := make([]float64, d.Batch*d.SeqQ*hid)
	var maxScore float64
	scale := 1 / math.Sqrt(float64(hd))
	logits := make([]float64, d.SeqKV)
	for b := 0; b < d.Batch; b++ {
		for h := 0; h < nh; h++ {
			for i := 0; i < d.SeqQ; i++ {
				maxv := math.Inf(-1)
				for j := 0; j < d.SeqKV; j++ {
					var s float64
					for e := 0; e < hd; e++ {
						s += q[(b*d.SeqQ+i)*hid+h*hd+e] * k[(b*d.SeqKV+j)*hid+h*hd+e]
					}
					maxScore = math.Max(maxScore, math.Abs(s))
					s *= scale
					if mask != nil {
						s += float64(mask[(b*d.SeqQ+i)*d.SeqKV+j])
					}
					logits[j] = s
					maxv = math.Max(maxv, s)
				}
				var sum float64
				for j := range logits {
					logits[j] = math.Exp(logits[j] - maxv)
					sum += logits[j]
				}
				for e := 0; e < hd; e++ {
					var acc float64
					for j := range logits {
						acc += logits[j] / sum * v[(b*d.SeqKV+j)*hid+h*hd+e]
					}
					ctx[(b*d.SeqQ+i)*hid+h*hd+e] = acc
				}
			}
		}
	}
	y := linear(ctx, d.Batch*d.SeqQ, p.Output)
	out := make([]float32, len(y))
	for i := range y {
		out[i] = float32(y[i] + float64(query[i]))
	}
	return trace{norm: norm, q: q, k: k, v: v, ctx: ctx, maxScore: maxScore, out: out}
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(float64(a[i]-b[i])))
	}
	return m
}
