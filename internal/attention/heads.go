package attention

import "github.com/samcharles93/mhattn/internal/numeric"

// splitHeads adds bias to src [batch, seq, heads*headDim] and writes it in
// per-head order [batch, heads, seq, headDim].
func splitHeads[E numeric.Element](ar numeric.Arith[E], dst, src, bias []E, batch, seq, heads, headDim int) {
	hidden := heads * headDim
	bf := make([]float32, hidden)
	numeric.ToFloat32(bf, bias[:hidden])
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			in := src[(b*seq+s)*hidden:]
			for h := 0; h < heads; h++ {
				out := dst[((b*heads+h)*seq+s)*headDim:]
				for d := 0; d < headDim; d++ {
					c := h*headDim + d
					out[d] = ar.FromFloat32(ar.ToFloat32(in[c]) + bf[c])
				}
			}
		}
	}
}

// mergeHeads is the inverse layout transform of splitHeads, without a bias.
func mergeHeads[E numeric.Element](dst, src []E, batch, seq, heads, headDim int) {
	hidden := heads * headDim
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				in := src[((b*heads+h)*seq+s)*headDim:][:headDim]
				copy(dst[(b*seq+s)*hidden+h*headDim:], in)
			}
		}
	}
}
