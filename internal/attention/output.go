package attention

import "github.com/samcharles93/mhattn/internal/numeric"

// addBiasResidual writes y + bias + residual into out, row by row. out may
// alias residual.
func addBiasResidual[E numeric.Element](ar numeric.Arith[E], out, y, bias, residual []E, rows, hidden int) {
	bf := make([]float32, hidden)
	numeric.ToFloat32(bf, bias[:hidden])
	for r := 0; r < rows; r++ {
		base := r * hidden
		for c := 0; c < hidden; c++ {
			i := base + c
			out[i] = ar.FromFloat32(ar.ToFloat32(y[i]) + bf[c] + ar.ToFloat32(residual[i]))
		}
	}
}
