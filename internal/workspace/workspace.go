// Package workspace lays out the per-invocation scratch buffer of an attention
// layer. The size query and the execution share a single layout function, so a
// buffer that passes Bind always holds every region the pipeline touches.
package workspace

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/x448/float16"

	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/tensor"
)

var (
	// ErrTooSmall is returned when a buffer cannot hold the planned layout.
	ErrTooSmall = errors.New("workspace too small")
	// ErrMisaligned is returned for buffers whose base cannot back the
	// region element types.
	ErrMisaligned = errors.New("workspace misaligned")
)

// Alignment is the byte alignment of every region offset.
const Alignment = 64

// baseAlignment is the alignment Bind requires of the buffer itself; every
// region element is at most four bytes wide.
const baseAlignment = 4

// Region names.
const (
	Norm     = "norm"
	QProj    = "q_proj"
	KProj    = "k_proj"
	VProj    = "v_proj"
	QHeads   = "q_heads"
	KHeads   = "k_heads"
	VHeads   = "v_heads"
	Scores   = "scores"
	CtxHeads = "ctx_heads"
	Context  = "context"

	XCol32   = "x_col32"
	Acc      = "acc"
	ScoreAcc = "score_acc"
	ScoresI8 = "scores_i8"
	ProbsI8  = "probs_i8"
	CtxAcc   = "ctx_acc"
	CtxCol32 = "ctx_col32"
)

// Shape carries the invocation parameters the layout depends on.
type Shape struct {
	Batch   int
	SeqQ    int
	SeqKV   int
	Hidden  int
	HeadNum int
}

// HeadDim returns Hidden / HeadNum.
func (s Shape) HeadDim() int { return s.Hidden / s.HeadNum }

// KVPad is SeqKV rounded up to the COL32 tile width.
func (s Shape) KVPad() int { return tensor.Pad32(s.SeqKV) }

// Validate rejects non-positive dimensions and a hidden size that does not
// split evenly across heads.
func (s Shape) Validate() error {
	if s.Batch <= 0 || s.SeqQ <= 0 || s.SeqKV <= 0 || s.Hidden <= 0 || s.HeadNum <= 0 {
		return fmt.Errorf("workspace: non-positive dimension in %+v", s)
	}
	if s.Hidden%s.HeadNum != 0 {
		return fmt.Errorf("workspace: hidden %d not divisible by %d heads", s.Hidden, s.HeadNum)
	}
	return nil
}

// Mode is the numeric configuration of the invocation.
type Mode struct {
	// Activation is the element type of the float regions (F32 or F16).
	Activation numeric.DType
	Numeric    numeric.Mode
}

// Region is one named slice of the workspace.
type Region struct {
	Name   string
	DType  numeric.DType
	Len    int // elements
	Offset int // bytes from the workspace base
}

// Bytes returns the byte length of the region.
func (r Region) Bytes() int { return r.Len * r.DType.Size() }

// End returns the first byte past the region.
func (r Region) End() int { return r.Offset + r.Bytes() }

// Layout is the ordered set of regions of one workspace.
type Layout struct {
	Shape   Shape
	Mode    Mode
	Regions []Region
	Size    int
}

// Region looks a region up by name.
func (l Layout) Region(name string) (Region, bool) {
	for _, r := range l.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

type planner struct {
	regions []Region
	off     int
}

func (p *planner) add(name string, dt numeric.DType, n int) {
	p.regions = append(p.regions, Region{Name: name, DType: dt, Len: n, Offset: p.off})
	p.off = alignUp(p.off+n*dt.Size(), Alignment)
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

// Plan computes the region layout for shape and mode.
func Plan(shape Shape, mode Mode) (Layout, error) {
	if err := shape.Validate(); err != nil {
		return Layout{}, err
	}
	if !mode.Activation.Activation() {
		return Layout{}, fmt.Errorf("%w: activation %s", numeric.ErrUnsupportedDType, mode.Activation)
	}
	act := mode.Activation
	b, sq, skv, h, nh := shape.Batch, shape.SeqQ, shape.SeqKV, shape.Hidden, shape.HeadNum
	d := shape.HeadDim()
	var p planner

	switch mode.Numeric {
	case numeric.ModeFloat:
		p.add(Norm, act, b*sq*h)
		p.add(QProj, act, b*sq*h)
		p.add(KProj, act, b*skv*h)
		p.add(VProj, act, b*skv*h)
		p.add(QHeads, act, b*sq*h)
		p.add(KHeads, act, b*skv*h)
		p.add(VHeads, act, b*skv*h)
		p.add(Scores, act, b*nh*sq*skv)
		p.add(CtxHeads, act, b*sq*h)
		p.add(Context, act, b*sq*h)
	case numeric.ModeInt8:
		kvPad := shape.KVPad()
		dPad := tensor.Pad32(d)
		rowsQ := b * sq
		p.add(Norm, act, rowsQ*h)
		p.add(XCol32, numeric.DTypeI8, tensor.Col32Len(rowsQ, h))
		p.add(Acc, numeric.DTypeI32, tensor.Col32Len(rowsQ, h))
		p.add(QHeads, numeric.DTypeI8, b*nh*sq*dPad)
		p.add(KHeads, numeric.DTypeI8, b*nh*kvPad*dPad)
		p.add(VHeads, numeric.DTypeI8, b*nh*d*kvPad)
		p.add(ScoreAcc, numeric.DTypeI32, b*nh*sq*kvPad)
		p.add(ScoresI8, numeric.DTypeI8, b*nh*sq*kvPad)
		p.add(ProbsI8, numeric.DTypeI8, b*nh*sq*kvPad)
		p.add(CtxAcc, numeric.DTypeI32, b*nh*sq*dPad)
		p.add(CtxCol32, numeric.DTypeI8, tensor.Col32Len(rowsQ, h))
	default:
		return Layout{}, fmt.Errorf("workspace: unknown numeric mode %s", mode.Numeric)
	}

	size := 0
	if n := len(p.regions); n > 0 {
		size = p.regions[n-1].End()
	}
	return Layout{Shape: shape, Mode: mode, Regions: p.regions, Size: size}, nil
}

// Size returns the number of bytes a workspace for shape and mode needs.
func Size(shape Shape, mode Mode) (int, error) {
	l, err := Plan(shape, mode)
	if err != nil {
		return 0, err
	}
	return l.Size, nil
}

// Alloc returns a zeroed buffer of n bytes whose base is Alignment aligned.
func Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	raw := make([]byte, n+Alignment-1)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % Alignment); rem != 0 {
		off = Alignment - rem
	}
	return raw[off : off+n : off+n]
}

// Arena is a workspace buffer bound to a layout.
type Arena struct {
	layout Layout
	buf    []byte
}

// Bind checks buf against the layout for shape and mode and returns an arena
// that hands out typed views of its regions.
func Bind(shape Shape, mode Mode, buf []byte) (*Arena, error) {
	layout, err := Plan(shape, mode)
	if err != nil {
		return nil, err
	}
	if len(buf) < layout.Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrTooSmall, len(buf), layout.Size)
	}
	if layout.Size > 0 && uintptr(unsafe.Pointer(&buf[0]))%baseAlignment != 0 {
		return nil, fmt.Errorf("%w: base not %d-byte aligned", ErrMisaligned, baseAlignment)
	}
	return &Arena{layout: layout, buf: buf[:layout.Size]}, nil
}

// Layout returns the layout the arena was bound with.
func (a *Arena) Layout() Layout { return a.layout }

func (a *Arena) raw(name string, dt numeric.DType) ([]byte, error) {
	r, ok := a.layout.Region(name)
	if !ok {
		return nil, fmt.Errorf("workspace: no region %q in %s layout", name, a.layout.Mode.Numeric)
	}
	if r.DType != dt {
		return nil, fmt.Errorf("workspace: region %q holds %s, not %s", name, r.DType, dt)
	}
	return a.buf[r.Offset:r.End()], nil
}

// View returns region name as a slice of T. T must match the region dtype.
func View[T float32 | float16.Float16 | int8 | int32](a *Arena, name string) ([]T, error) {
	var zero T
	var dt numeric.DType
	switch any(zero).(type) {
	case float32:
		dt = numeric.DTypeF32
	case float16.Float16:
		dt = numeric.DTypeF16
	case int8:
		dt = numeric.DTypeI8
	case int32:
		dt = numeric.DTypeI32
	}
	raw, err := a.raw(name, dt)
	if err != nil {
		return nil, err
	}
	return numeric.View[T](raw)
}

// F32 returns a float32 region.
func (a *Arena) F32(name string) ([]float32, error) { return View[float32](a, name) }

// I8 returns an int8 region.
func (a *Arena) I8(name string) ([]int8, error) { return View[int8](a, name) }

// I32 returns an int32 region.
func (a *Arena) I32(name string) ([]int32, error) { return View[int32](a, name) }
