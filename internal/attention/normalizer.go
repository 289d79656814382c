package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/mhattn/internal/numeric"
)

// layerNorm writes gamma*(x-mean)/sqrt(var+eps) + beta for each of the rows
// of src into dst. Variance is the population estimator; statistics are
// accumulated in float32 whatever E is.
func layerNorm[E numeric.Element](ar numeric.Arith[E], dst, src, gamma, beta []E, rows, hidden int, eps float32) {
	row := make([]float32, hidden)
	g := make([]float32, hidden)
	b := make([]float32, hidden)
	numeric.ToFloat32(g, gamma[:hidden])
	numeric.ToFloat32(b, beta[:hidden])

	for r := 0; r < rows; r++ {
		in := src[r*hidden : (r+1)*hidden]
		out := dst[r*hidden : (r+1)*hidden]
		var sum float32
		for i, v := range in {
			row[i] = ar.ToFloat32(v)
			sum += row[i]
		}
		mean := sum / float32(hidden)
		var sq float32
		for _, v := range row {
			d := v - mean
			sq += d * d
		}
		inv := float32(1 / math.Sqrt(float64(sq/float32(hidden)+eps)))
		for i, v := range row {
			out[i] = ar.FromFloat32((v-mean)*inv*g[i] + b[i])
		}
	}
}

// LayerNorm normalizes rows of src into dst with gamma and beta. dst may alias
// src. A zero eps selects DefaultEpsilon.
func LayerNorm[E numeric.Element](dst, src, gamma, beta []E, rows, hidden int, eps float32) error {
	if rows < 0 || hidden <= 0 {
		return fmt.Errorf("%w: rows=%d hidden=%d", ErrShapeMismatch, rows, hidden)
	}
	n := rows * hidden
	if len(src) < n || len(dst) < n || len(gamma) < hidden || len(beta) < hidden {
		return fmt.Errorf("%w: layernorm over [%d, %d] with src/dst/gamma/beta of %d/%d/%d/%d values",
			ErrShapeMismatch, rows, hidden, len(src), len(dst), len(gamma), len(beta))
	}
	if eps == 0 {
		eps = DefaultEpsilon
	}
	layerNorm(numeric.For[E](), dst, src, gamma, beta, rows, hidden, eps)
	return nil
}
