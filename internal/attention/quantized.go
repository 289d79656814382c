package attention

import (
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/tensor"
	"github.com/samcharles93/mhattn/internal/workspace"
)

type int8Buffers[E numeric.Element] struct {
	norm     []E
	x        []int8  // normalized input, COL32 [rows, hidden]
	acc      []int32 // projection accumulators, COL32 [rows, hidden]
	qHeads   []int8  // per head COL32 [seq, headDim]
	kHeads   []int8  // per head COL32 [kvPad, headDim]
	vHeads   []int8  // per head COL32 [headDim, kvPad] (V transposed)
	scoreAcc []int32 // per head COL32 [seq, kvPad]
	scores   []int8
	probs    []int8
	ctxAcc   []int32 // per head COL32 [seq, headDim]
	ctx      []int8  // merged context, COL32 [rows, hidden]
}

func bindInt8[E numeric.Element](a *workspace.Arena) (*int8Buffers[E], error) {
	var (
		ib  int8Buffers[E]
		err error
	)
	if ib.norm, err = workspace.View[E](a, workspace.Norm); err != nil {
		return nil, err
	}
	for _, r := range []struct {
		name string
		dst  *[]int8
	}{
		{workspace.XCol32, &ib.x},
		{workspace.QHeads, &ib.qHeads},
		{workspace.KHeads, &ib.kHeads},
		{workspace.VHeads, &ib.vHeads},
		{workspace.ScoresI8, &ib.scores},
		{workspace.ProbsI8, &ib.probs},
		{workspace.CtxCol32, &ib.ctx},
	} {
		if *r.dst, err = a.I8(r.name); err != nil {
			return nil, err
		}
	}
	for _, r := range []struct {
		name string
		dst  *[]int32
	}{
		{workspace.Acc, &ib.acc},
		{workspace.ScoreAcc, &ib.scoreAcc},
		{workspace.CtxAcc, &ib.ctxAcc},
	} {
		if *r.dst, err = a.I32(r.name); err != nil {
			return nil, err
		}
	}
	return &ib, nil
}

// forwardInt8 runs the self-attention pipeline with every matrix multiply as
// an int8 GEMM over COL32 operands. Activations are quantized with the layer
// scale table; softmax probabilities use the fixed step 1/127.
func (l *Layer[E]) forwardInt8(a *Args[E], arena *workspace.Arena, h *device.Handle) error {
	buf, err := bindInt8[E](arena)
	if err != nil {
		return err
	}
	p := &l.params
	st := l.scales
	ar := l.ar
	hid, nh, hd := l.cfg.Hidden, l.cfg.HeadNum, l.cfg.HeadDim
	b, seq := a.Batch, a.SeqQ
	rows := b * seq
	kvPad := tensor.Pad32(seq)
	dPad := tensor.Pad32(hd)
	workers := h.Workers()
	query, mask, out := a.Query, a.Mask, a.Output

	if err := h.Enqueue("layernorm", func() error {
		layerNorm(ar, buf.norm, query, p.NormScale, p.NormShift, rows, hid, l.cfg.Epsilon)
		return nil
	}); err != nil {
		return err
	}
	if err := h.Enqueue("quantize_input", func() error {
		clear(buf.x)
		for r := 0; r < rows; r++ {
			for c := 0; c < hid; c++ {
				buf.x[tensor.Col32Index(rows, r, c)] = ar.Quantize(buf.norm[r*hid+c], st[quant.ScaleInput])
			}
		}
		return nil
	}); err != nil {
		return err
	}

	heads := []struct {
		proj  int
		bias  []E
		scale float32
		place func(bh, s, d int, q int8)
		reset []int8
	}{
		{projQuery, p.Query.Bias, st[quant.ScaleQuery], func(bh, s, d int, q int8) {
			buf.qHeads[bh*seq*dPad+tensor.Col32Index(seq, s, d)] = q
		}, buf.qHeads},
		{projKey, p.Key.Bias, st[quant.ScaleKey], func(bh, s, d int, q int8) {
			buf.kHeads[bh*kvPad*dPad+tensor.Col32Index(kvPad, s, d)] = q
		}, buf.kHeads},
		{projValue, p.Value.Bias, st[quant.ScaleValue], func(bh, s, d int, q int8) {
			buf.vHeads[bh*hd*kvPad+tensor.Col32Index(hd, d, s)] = q
		}, buf.vHeads},
	}
	for _, hs := range heads {
		kern := &l.kernels[hs.proj]
		name := projNames[hs.proj]
		if err := h.Enqueue(name+"_proj_int8", func() error {
			tensor.GemmInt8Col32(buf.acc, buf.x, kern.Data, rows, hid, hid, workers)
			return nil
		}); err != nil {
			return err
		}
		if err := h.Enqueue(name+"_split_heads_int8", func() error {
			deq := st[quant.ScaleInput] * kern.Scale
			bias := make([]float32, hid)
			numeric.ToFloat32(bias, hs.bias)
			// Padding rows and columns of the head tiles must read as zero.
			clear(hs.reset)
			for r := 0; r < rows; r++ {
				bi, s := r/seq, r%seq
				for c := 0; c < hid; c++ {
					v := float32(buf.acc[tensor.Col32Index(rows, r, c)])*deq + bias[c]
					hs.place(bi*nh+c/hd, s, c%hd, numeric.QuantizeValue(v, hs.scale))
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	nHeads := b * nh
	if err := h.Enqueue("scores_int8", func() error {
		for bh := 0; bh < nHeads; bh++ {
			tensor.GemmInt8Col32(
				buf.scoreAcc[bh*seq*kvPad:(bh+1)*seq*kvPad],
				buf.qHeads[bh*seq*dPad:(bh+1)*seq*dPad],
				buf.kHeads[bh*kvPad*dPad:(bh+1)*kvPad*dPad],
				seq, kvPad, hd, workers)
		}
		deq := st[quant.ScaleQuery] * st[quant.ScaleKey]
		for i, v := range buf.scoreAcc {
			buf.scores[i] = numeric.QuantizeValue(float32(v)*deq, st[quant.ScaleScore])
		}
		return nil
	}); err != nil {
		return err
	}

	scale := l.scale
	if err := h.Enqueue("masked_softmax_int8", func() error {
		row := make([]float32, kvPad)
		var m []float32
		if mask != nil {
			m = make([]float32, seq)
		}
		for bh := 0; bh < nHeads; bh++ {
			bi := bh / nh
			base := bh * seq * kvPad
			for i := 0; i < seq; i++ {
				for j := 0; j < kvPad; j++ {
					row[j] = float32(buf.scores[base+tensor.Col32Index(seq, i, j)]) * st[quant.ScaleScore]
				}
				var rowMask []float32
				if mask != nil {
					numeric.ToFloat32(m, mask[(bi*seq+i)*seq:][:seq])
					rowMask = m
				}
				// Positions past seq are padding and always masked.
				softmaxRow(row, rowMask, seq, scale)
				for j := 0; j < kvPad; j++ {
					buf.probs[base+tensor.Col32Index(seq, i, j)] = numeric.QuantizeValue(row[j], quant.ProbScale)
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := h.Enqueue("context_int8", func() error {
		for bh := 0; bh < nHeads; bh++ {
			tensor.GemmInt8Col32(
				buf.ctxAcc[bh*seq*dPad:(bh+1)*seq*dPad],
				buf.probs[bh*seq*kvPad:(bh+1)*seq*kvPad],
				buf.vHeads[bh*hd*kvPad:(bh+1)*hd*kvPad],
				seq, hd, kvPad, workers)
		}
		deq := quant.ProbScale * st[quant.ScaleValue]
		clear(buf.ctx)
		for bh := 0; bh < nHeads; bh++ {
			bi, hi := bh/nh, bh%nh
			for i := 0; i < seq; i++ {
				for d := 0; d < hd; d++ {
					v := float32(buf.ctxAcc[bh*seq*dPad+tensor.Col32Index(seq, i, d)]) * deq
					buf.ctx[tensor.Col32Index(rows, bi*seq+i, hi*hd+d)] = numeric.QuantizeValue(v, st[quant.ScaleOutput])
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	kern := &l.kernels[projOutput]
	if err := h.Enqueue("out_proj_int8", func() error {
		tensor.GemmInt8Col32(buf.acc, buf.ctx, kern.Data, rows, hid, hid, workers)
		return nil
	}); err != nil {
		return err
	}
	return h.Enqueue("bias_residual_int8", func() error {
		deq := st[quant.ScaleOutput] * kern.Scale
		bias := make([]float32, hid)
		numeric.ToFloat32(bias, p.Output.Bias)
		for r := 0; r < rows; r++ {
			for c := 0; c < hid; c++ {
				i := r*hid + c
				v := float32(buf.acc[tensor.Col32Index(rows, r, c)])*deq + bias[c] + ar.ToFloat32(query[i])
				out[i] = ar.FromFloat32(v)
			}
		}
		return nil
	})
}
