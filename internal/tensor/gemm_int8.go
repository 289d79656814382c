package tensor

import (
	"runtime"
	"sync"
)

// GemmInt8Col32 computes C = A · Bᵗ with int32 accumulation, all operands in
// COL32 layout:
//
//	A: m x k int8 (activations)
//	B: n x k int8 (the transposed weight, one row per output column)
//	C: m x n int32
//
// Padding columns of A and B must be zero, which holds for buffers produced by
// RowMajorToCol32. Padding columns of C are zeroed. Rows of C are split across
// up to workers goroutines; workers <= 0 means GOMAXPROCS.
func GemmInt8Col32(c []int32, a, b []int8, m, n, k, workers int) {
	if len(a) < Col32Len(m, k) || len(b) < Col32Len(n, k) || len(c) < Col32Len(m, n) {
		panic("gemm int8: buffer too small")
	}
	if m == 0 || n == 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(min(workers, m), 1)
	if workers == 1 {
		gemmInt8Rows(c, a, b, m, n, k, 0, m)
		return
	}

	chunk := (m + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < m; rs += chunk {
		re := min(rs+chunk, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			gemmInt8Rows(c, a, b, m, n, k, rs, re)
		}()
	}
	wg.Wait()
}

func gemmInt8Rows(c []int32, a, b []int8, m, n, k, rs, re int) {
	kTiles := Pad32(k) / Col32Width
	for i := rs; i < re; i++ {
		for j := 0; j < Pad32(n); j++ {
			var acc int32
			if j < n {
				for t := 0; t < kTiles; t++ {
					ao := t*m*Col32Width + i*Col32Width
					bo := t*n*Col32Width + j*Col32Width
					acc += dot32(a[ao:ao+Col32Width], b[bo:bo+Col32Width])
				}
			}
			c[Col32Index(m, i, j)] = acc
		}
	}
}

func dot32(a, b []int8) int32 {
	_ = a[Col32Width-1]
	_ = b[Col32Width-1]
	var acc int32
	for l := 0; l < Col32Width; l++ {
		acc += int32(a[l]) * int32(b[l])
	}
	return acc
}
