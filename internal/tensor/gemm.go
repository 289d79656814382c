package tensor

import (
	"runtime"
)

const (
	defaultTileM = 32
	defaultTileN = 64
	defaultTileK = 64

	maxTileM = 128
	maxTileN = 256
	maxTileK = 256
)

// GemmConfig holds the blocking parameters of the tiled kernel.
type GemmConfig struct {
	TileM int
	TileN int
	TileK int
}

// DefaultGemmConfig returns the untuned blocking.
func DefaultGemmConfig() GemmConfig {
	return GemmConfig{TileM: defaultTileM, TileN: defaultTileN, TileK: defaultTileK}
}

// SelectGemmConfig picks blocking for an m x k by k x n product.
func SelectGemmConfig(m, k, n int) GemmConfig {
	cfg := DefaultGemmConfig()
	switch {
	case k >= 512:
		cfg.TileK = 128
	case k <= 32:
		cfg.TileK = 32
	}
	if n <= 32 {
		cfg.TileN = 32
	}
	if m <= 8 {
		cfg.TileM = 8
	}
	return cfg.clamped()
}

func (c GemmConfig) clamped() GemmConfig {
	return GemmConfig{
		TileM: clampTile(c.TileM, maxTileM),
		TileN: clampTile(c.TileN, maxTileN),
		TileK: clampTile(c.TileK, maxTileK),
	}
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

// GemmOp describes C = alpha*op(A)*op(B) + beta*C. A and B are given in their
// stored orientation; TransA/TransB select the transpose.
type GemmOp struct {
	C, A, B        *Mat
	TransA, TransB bool
	Alpha, Beta    float32
}

// Dims returns m, n, k of the product after applying the transposes.
func (op *GemmOp) Dims() (m, n, k int) {
	m, k = op.A.R, op.A.C
	if op.TransA {
		m, k = k, m
	}
	n = op.B.C
	if op.TransB {
		n = op.B.R
	}
	return m, n, k
}

func (op *GemmOp) check() {
	m, n, k := op.Dims()
	kb := op.B.R
	if op.TransB {
		kb = op.B.C
	}
	if k != kb || op.C.R != m || op.C.C != n {
		panic("gemm: dimension mismatch")
	}
}

type gemmTask struct {
	op     *GemmOp
	cfg    GemmConfig
	rs, re int
	done   chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			var scratch []float32
			for task := range p.tasks {
				scratch = gemmRangeRows(task.op, task.cfg, task.rs, task.re, scratch)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// GemmPar computes op with a blocked kernel, splitting the rows of C across
// up to workers goroutines of the shared pool. workers <= 0 means GOMAXPROCS.
func GemmPar(cfg GemmConfig, op *GemmOp, workers int) {
	op.check()
	if op.C.R == 0 || op.C.C == 0 {
		return
	}
	cfg = cfg.clamped()

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, op.C.R, gemmWorkPool.size)
	if workers <= 1 {
		gemmRangeRows(op, cfg, 0, op.C.R, nil)
		return
	}

	chunk := (op.C.R + workers - 1) / workers
	done := <-gemmWorkPool.doneSlots
	active := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := min(rs+chunk, op.C.R)
		if rs >= re {
			break
		}
		active++
		gemmWorkPool.tasks <- gemmTask{op: op, cfg: cfg, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
}

// Gemm is GemmPar on the calling goroutine.
func Gemm(op *GemmOp) {
	op.check()
	m, n, k := op.Dims()
	gemmRangeRows(op, SelectGemmConfig(m, k, n), 0, op.C.R, nil)
}

// gemmRangeRows computes rows [rs, re) of C. scratch is reused across calls to
// gather transposed rows of A; the possibly grown buffer is returned.
func gemmRangeRows(op *GemmOp, cfg GemmConfig, rs, re int, scratch []float32) []float32 {
	_, n, k := op.Dims()
	C, A, B := op.C, op.A, op.B
	alpha, beta := op.Alpha, op.Beta

	for i := rs; i < re; i++ {
		row := C.Data[i*C.Stride : i*C.Stride+n]
		switch beta {
		case 0:
			clear(row)
		case 1:
		default:
			for j := range row {
				row[j] *= beta
			}
		}
	}
	if alpha == 0 || k == 0 {
		return scratch
	}

	if op.TransA && cap(scratch) < k {
		scratch = make([]float32, k)
	}

	for i0 := rs; i0 < re; i0 += cfg.TileM {
		iMax := min(i0+cfg.TileM, re)
		for k0 := 0; k0 < k; k0 += cfg.TileK {
			kMax := min(k0+cfg.TileK, k)
			for i := i0; i < iMax; i++ {
				var a []float32
				if op.TransA {
					a = scratch[:kMax-k0]
					for kk := k0; kk < kMax; kk++ {
						a[kk-k0] = A.Data[kk*A.Stride+i]
					}
				} else {
					a = A.Data[i*A.Stride+k0 : i*A.Stride+kMax]
				}
				cRow := C.Data[i*C.Stride : i*C.Stride+n]
				for j0 := 0; j0 < n; j0 += cfg.TileN {
					jMax := min(j0+cfg.TileN, n)
					if op.TransB {
						blockDotRows(cRow, a, B, alpha, j0, jMax, k0)
					} else {
						blockAxpyRows(cRow, a, B, alpha, j0, jMax, k0)
					}
				}
			}
		}
	}
	return scratch
}

// blockAxpyRows accumulates alpha * a · B[k0:k0+len(a), j0:jMax] into c.
func blockAxpyRows(c, a []float32, B *Mat, alpha float32, j0, jMax, k0 int) {
	cBlk := c[j0:jMax]
	for kk, av := range a {
		if av == 0 {
			continue
		}
		s := alpha * av
		base := (k0+kk)*B.Stride + j0
		bBlk := B.Data[base : base+len(cBlk)]
		for j, bv := range bBlk {
			cBlk[j] += s * bv
		}
	}
}

// blockDotRows accumulates alpha * a · B[j, k0:k0+len(a)] into c[j] for j in [j0, jMax).
func blockDotRows(c, a []float32, B *Mat, alpha float32, j0, jMax, k0 int) {
	for j := j0; j < jMax; j++ {
		base := j*B.Stride + k0
		c[j] += alpha * Dot(a, B.Data[base:base+len(a)])
	}
}
