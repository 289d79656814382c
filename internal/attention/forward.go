package attention

import (
	"context"
	"fmt"

	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/workspace"
)

// Args are the tensors of one invocation. All activations are row-major.
type Args[E numeric.Element] struct {
	Dims

	// Query is [Batch, SeqQ, Hidden].
	Query []E
	// KeyValue is [Batch, SeqKV, Hidden] for cross-attention. For
	// self-attention it must be nil or Query itself.
	KeyValue []E
	// Mask is the additive mask [Batch, SeqQ, SeqKV], or nil.
	Mask []E
	// Output is [Batch, SeqQ, Hidden]. It may alias Query.
	Output []E
	// Workspace must hold at least WorkspaceSize(Dims) bytes.
	Workspace []byte
}

func sameSlice[E any](a, b []E) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

func (l *Layer[E]) check(a *Args[E]) error {
	d := a.Dims
	if d.Batch <= 0 || d.SeqQ <= 0 || d.SeqKV <= 0 {
		return fmt.Errorf("%w: non-positive dims %+v", ErrShapeMismatch, d)
	}
	h := l.cfg.Hidden
	if want := d.Batch * d.SeqQ * h; len(a.Query) != want || len(a.Output) != want {
		return fmt.Errorf("%w: query/output have %d/%d values, want [%d, %d, %d] = %d",
			ErrShapeMismatch, len(a.Query), len(a.Output), d.Batch, d.SeqQ, h, want)
	}
	if !l.cfg.CrossAttention {
		if d.SeqKV != d.SeqQ {
			return fmt.Errorf("%w: self-attention with seq_kv %d != seq_q %d", ErrShapeMismatch, d.SeqKV, d.SeqQ)
		}
		if a.KeyValue != nil && !sameSlice(a.KeyValue, a.Query) {
			return fmt.Errorf("%w: self-attention key/value source must be the query", ErrShapeMismatch)
		}
	} else if want := d.Batch * d.SeqKV * h; len(a.KeyValue) != want {
		return fmt.Errorf("%w: key/value has %d values, want [%d, %d, %d] = %d",
			ErrShapeMismatch, len(a.KeyValue), d.Batch, d.SeqKV, h, want)
	}
	if a.Mask != nil {
		if want := d.Batch * d.SeqQ * d.SeqKV; len(a.Mask) != want {
			return fmt.Errorf("%w: mask has %d values, want [%d, %d, %d] = %d",
				ErrShapeMismatch, len(a.Mask), d.Batch, d.SeqQ, d.SeqKV, want)
		}
	}
	return nil
}

// Forward validates args and enqueues the whole pipeline on the stream bound
// to h. It returns before any computation runs; results are ready once the
// stream is synchronized. Invalid arguments are reported before anything is
// enqueued.
func (l *Layer[E]) Forward(args Args[E], h *device.Handle) error {
	if h == nil || h.Stream() == nil {
		return fmt.Errorf("%w: no stream bound to the handle", device.ErrResource)
	}
	if err := l.check(&args); err != nil {
		return err
	}
	arena, err := workspace.Bind(l.shape(args.Dims), l.mode(), args.Workspace)
	if err != nil {
		return err
	}
	l.log.Debug("enqueue forward", "batch", args.Batch, "seq_q", args.SeqQ, "seq_kv", args.SeqKV,
		"mode", l.cfg.Mode, "stream", h.Stream().ID(), "handle", h.ID())

	if l.cfg.Mode == numeric.ModeInt8 {
		return l.forwardInt8(&args, arena, h)
	}
	return l.forwardFloat(&args, arena, h)
}

// Run enqueues the pipeline and waits for it.
func Run[E numeric.Element](ctx context.Context, l *Layer[E], args Args[E], h *device.Handle) error {
	if err := l.Forward(args, h); err != nil {
		return err
	}
	return h.Synchronize(ctx)
}

type floatBuffers[E numeric.Element] struct {
	norm, qProj, kProj, vProj []E
	qHeads, kHeads, vHeads    []E
	scores, ctxHeads, context []E
}

func bindFloat[E numeric.Element](a *workspace.Arena) (*floatBuffers[E], error) {
	var fb floatBuffers[E]
	for _, r := range []struct {
		name string
		dst  *[]E
	}{
		{workspace.Norm, &fb.norm},
		{workspace.QProj, &fb.qProj},
		{workspace.KProj, &fb.kProj},
		{workspace.VProj, &fb.vProj},
		{workspace.QHeads, &fb.qHeads},
		{workspace.KHeads, &fb.kHeads},
		{workspace.VHeads, &fb.vHeads},
		{workspace.Scores, &fb.scores},
		{workspace.CtxHeads, &fb.ctxHeads},
		{workspace.Context, &fb.context},
	} {
		v, err := workspace.View[E](a, r.name)
		if err != nil {
			return nil, err
		}
		*r.dst = v
	}
	return &fb, nil
}

func (l *Layer[E]) forwardFloat(a *Args[E], arena *workspace.Arena, h *device.Handle) error {
	buf, err := bindFloat[E](arena)
	if err != nil {
		return err
	}
	p := &l.params
	hid, nh, hd := l.cfg.Hidden, l.cfg.HeadNum, l.cfg.HeadDim
	b, sq, skv := a.Batch, a.SeqQ, a.SeqKV
	rowsQ, rowsKV := b*sq, b*skv
	ar, eps := l.ar, l.cfg.Epsilon

	query := a.Query
	if err := h.Enqueue("layernorm", func() error {
		layerNorm(ar, buf.norm, query, p.NormScale, p.NormShift, rowsQ, hid, eps)
		return nil
	}); err != nil {
		return err
	}

	// Cross-attention projects the raw encoder output.
	kvSrc := buf.norm
	if l.cfg.CrossAttention {
		kvSrc = a.KeyValue
	}
	if err := project(h, "q_proj", buf.qProj, buf.norm, p.Query.Weight, rowsQ, hid); err != nil {
		return err
	}
	if err := project(h, "k_proj", buf.kProj, kvSrc, p.Key.Weight, rowsKV, hid); err != nil {
		return err
	}
	if err := project(h, "v_proj", buf.vProj, kvSrc, p.Value.Weight, rowsKV, hid); err != nil {
		return err
	}

	if err := h.Enqueue("split_heads", func() error {
		splitHeads(ar, buf.qHeads, buf.qProj, p.Query.Bias, b, sq, nh, hd)
		splitHeads(ar, buf.kHeads, buf.kProj, p.Key.Bias, b, skv, nh, hd)
		splitHeads(ar, buf.vHeads, buf.vProj, p.Value.Bias, b, skv, nh, hd)
		return nil
	}); err != nil {
		return err
	}

	if err := enqueueScores(h, buf.scores, buf.qHeads, buf.kHeads, b*nh, sq, skv, hd); err != nil {
		return err
	}
	mask, scale := a.Mask, l.scale
	if err := h.Enqueue("masked_softmax", func() error {
		MaskedSoftmax(buf.scores, mask, b, nh, sq, skv, scale)
		return nil
	}); err != nil {
		return err
	}
	if err := enqueueContext(h, buf.ctxHeads, buf.scores, buf.vHeads, b*nh, sq, skv, hd); err != nil {
		return err
	}
	if err := h.Enqueue("merge_heads", func() error {
		mergeHeads(buf.context, buf.ctxHeads, b, sq, nh, hd)
		return nil
	}); err != nil {
		return err
	}

	// q_proj is free again and holds the output projection.
	y := buf.qProj
	if err := project(h, "out_proj", y, buf.context, p.Output.Weight, rowsQ, hid); err != nil {
		return err
	}
	out := a.Output
	return h.Enqueue("bias_residual", func() error {
		addBiasResidual(ar, out, y, p.Output.Bias, query, rowsQ, hid)
		return nil
	})
}
