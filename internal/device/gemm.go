package device

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/tensor"
)

// GemmArgs describes C = alpha*op(A)*op(B) + beta*C over row-major buffers.
// op(A) is M x K, op(B) is K x N and C is M x N. A leading dimension of zero
// means the matrix is densely packed.
type GemmArgs[E numeric.Element] struct {
	TransA, TransB bool
	M, N, K        int
	Alpha, Beta    float32

	A   []E
	LDA int
	B   []E
	LDB int
	C   []E
	LDC int
}

// BatchedGemmArgs repeats one GEMM shape Count times. Matrix i of each operand
// starts i*Stride elements after the first.
type BatchedGemmArgs[E numeric.Element] struct {
	GemmArgs[E]
	Count                     int
	StrideA, StrideB, StrideC int
}

func (g *GemmArgs[E]) shapeA() (rows, cols int) {
	if g.TransA {
		return g.K, g.M
	}
	return g.M, g.K
}

func (g *GemmArgs[E]) shapeB() (rows, cols int) {
	if g.TransB {
		return g.N, g.K
	}
	return g.K, g.N
}

func (g *GemmArgs[E]) withDefaults() {
	_, ac := g.shapeA()
	_, bc := g.shapeB()
	if g.LDA == 0 {
		g.LDA = max(ac, 1)
	}
	if g.LDB == 0 {
		g.LDB = max(bc, 1)
	}
	if g.LDC == 0 {
		g.LDC = max(g.N, 1)
	}
}

// extent is the number of elements a rows x cols matrix with leading
// dimension ld spans.
func extent(rows, cols, ld int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return (rows-1)*ld + cols
}

func (b *BatchedGemmArgs[E]) check() error {
	g := &b.GemmArgs
	if g.M < 0 || g.N < 0 || g.K < 0 || b.Count < 0 {
		return fmt.Errorf("gemm: negative dimension m=%d n=%d k=%d count=%d", g.M, g.N, g.K, b.Count)
	}
	ar, ac := g.shapeA()
	br, bc := g.shapeB()
	operands := []struct {
		name           string
		have           int
		rows, cols, ld int
		stride         int
	}{
		{"A", len(g.A), ar, ac, g.LDA, b.StrideA},
		{"B", len(g.B), br, bc, g.LDB, b.StrideB},
		{"C", len(g.C), g.M, g.N, g.LDC, b.StrideC},
	}
	for _, op := range operands {
		if op.ld < max(op.cols, 1) {
			return fmt.Errorf("gemm: leading dimension of %s is %d, want >= %d", op.name, op.ld, op.cols)
		}
		one := extent(op.rows, op.cols, op.ld)
		if b.Count == 0 || one == 0 {
			continue
		}
		need := (b.Count-1)*op.stride + one
		if op.have < need {
			return fmt.Errorf("gemm: %s has %d elements, want %d", op.name, op.have, need)
		}
	}
	return nil
}

// Gemm enqueues one GEMM on the handle's stream.
func Gemm[E numeric.Element](h *Handle, name string, args GemmArgs[E]) error {
	return StridedBatchedGemm(h, name, BatchedGemmArgs[E]{GemmArgs: args, Count: 1})
}

// StridedBatchedGemm enqueues args.Count independent GEMMs of the same shape on
// the handle's stream. Arguments are validated before anything is enqueued.
// Half precision operands are widened to float32 for the multiply.
func StridedBatchedGemm[E numeric.Element](h *Handle, name string, args BatchedGemmArgs[E]) error {
	args.withDefaults()
	if err := args.check(); err != nil {
		return err
	}
	backend, workers := h.backend, h.workers
	h.log.Debug("enqueue gemm", "op", name, "m", args.M, "n", args.N, "k", args.K, "count", args.Count)
	return h.Enqueue(name, func() error {
		return runBatched(backend, workers, &args)
	})
}

var scratchPool = sync.Pool{New: func() any { return new([]float32) }}

func getScratch(n int) *[]float32 {
	p := scratchPool.Get().(*[]float32)
	if cap(*p) < n {
		*p = make([]float32, n)
	}
	*p = (*p)[:n]
	return p
}

// widen returns the first n elements of s as float32, converting into pooled
// scratch when E is not float32. release must be called once the view is dead.
func widen[E numeric.Element](s []E, n int) (view []float32, release func()) {
	if f, ok := any(s).([]float32); ok {
		return f[:n], func() {}
	}
	p := getScratch(n)
	numeric.ToFloat32(*p, s[:n])
	return *p, func() { scratchPool.Put(p) }
}

func span(count, stride, one int) int {
	if count == 0 || one == 0 {
		return 0
	}
	return (count-1)*stride + one
}

func runBatched[E numeric.Element](backend Backend, workers int, args *BatchedGemmArgs[E]) error {
	if args.Count == 0 || args.M == 0 || args.N == 0 {
		return nil
	}
	ar, ac := args.shapeA()
	br, bc := args.shapeB()
	na := span(args.Count, args.StrideA, extent(ar, ac, args.LDA))
	nb := span(args.Count, args.StrideB, extent(br, bc, args.LDB))
	nc := span(args.Count, args.StrideC, extent(args.M, args.N, args.LDC))

	a, relA := widen(args.A, na)
	defer relA()
	b, relB := widen(args.B, nb)
	defer relB()
	c, relC := widen(args.C, nc)
	defer relC()

	g := &args.GemmArgs
	one := func(i, w int) error {
		var ai, bi []float32
		if na > 0 {
			ai = a[i*args.StrideA:]
		}
		if nb > 0 {
			bi = b[i*args.StrideB:]
		}
		return gemmF32(backend, w, g, ai, bi, c[i*args.StrideC:])
	}

	if args.Count == 1 {
		if err := one(0, workers); err != nil {
			return err
		}
	} else {
		var eg errgroup.Group
		eg.SetLimit(workers)
		for i := 0; i < args.Count; i++ {
			eg.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%w: batch %d panicked: %v", ErrResource, i, r)
					}
				}()
				return one(i, 1)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	if _, ok := any(args.C).([]float32); !ok {
		numeric.FromFloat32(args.C[:nc], c)
	}
	return nil
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func gemmF32[E numeric.Element](backend Backend, workers int, g *GemmArgs[E], a, b, c []float32) error {
	ar, ac := g.shapeA()
	br, bc := g.shapeB()
	if backend == BackendBLAS && g.K > 0 {
		blas32.Gemm(transpose(g.TransA), transpose(g.TransB), g.Alpha,
			blas32.General{Rows: ar, Cols: ac, Stride: g.LDA, Data: a[:extent(ar, ac, g.LDA)]},
			blas32.General{Rows: br, Cols: bc, Stride: g.LDB, Data: b[:extent(br, bc, g.LDB)]},
			g.Beta,
			blas32.General{Rows: g.M, Cols: g.N, Stride: g.LDC, Data: c[:extent(g.M, g.N, g.LDC)]},
		)
		return nil
	}

	am, err := tensor.NewMatStrided(ar, ac, g.LDA, a)
	if err != nil {
		return err
	}
	bm, err := tensor.NewMatStrided(br, bc, g.LDB, b)
	if err != nil {
		return err
	}
	cm, err := tensor.NewMatStrided(g.M, g.N, g.LDC, c)
	if err != nil {
		return err
	}
	op := tensor.GemmOp{C: &cm, A: &am, B: &bm, TransA: g.TransA, TransB: g.TransB, Alpha: g.Alpha, Beta: g.Beta}
	tensor.GemmPar(tensor.SelectGemmConfig(g.M, g.K, g.N), &op, workers)
	return nil
}
