package attention

import (
	"math"

	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/tensor"
)

// MaskedThreshold is the mask value at or below which a key position counts
// as masked. Masks mark disallowed positions with -1e4 or -Inf.
const MaskedThreshold = -1e4

func isMasked(m float32) bool {
	return m <= MaskedThreshold || math.IsInf(float64(m), -1)
}

// softmaxRow turns x[:valid] into softmax(scale*x + mask) in place and zeroes
// x[valid:]. mask may be nil. When every valid position is masked, or the
// logits are not finite, the row becomes the uniform distribution over the
// valid positions.
func softmaxRow(x []float32, mask []float32, valid int, scale float32) {
	row := x[:valid]
	clear(x[valid:])
	if valid == 0 {
		return
	}

	allMasked := mask != nil
	for j := range row {
		row[j] *= scale
		if mask != nil {
			m := mask[j]
			row[j] += m
			if !isMasked(m) {
				allMasked = false
			}
		}
	}
	if !allMasked && tensor.Softmax(row) && finite(row) {
		return
	}
	u := 1 / float32(valid)
	for j := range row {
		row[j] = u
	}
}

func finite(x []float32) bool {
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// MaskedSoftmax applies the masked softmax to scores laid out as
// [batch, heads, seqQ, seqKV] in place. mask is [batch, seqQ, seqKV] and
// shared by all heads; nil means no mask. Every row of the result sums to one.
func MaskedSoftmax[E numeric.Element](scores, mask []E, batch, heads, seqQ, seqKV int, scale float32) {
	ar := numeric.For[E]()
	row := make([]float32, seqKV)
	var m []float32
	if mask != nil {
		m = make([]float32, seqKV)
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqQ; i++ {
				s := scores[((b*heads+h)*seqQ+i)*seqKV:][:seqKV]
				numeric.ToFloat32(row, s)
				var rowMask []float32
				if mask != nil {
					numeric.ToFloat32(m, mask[(b*seqQ+i)*seqKV:][:seqKV])
					rowMask = m
				}
				softmaxRow(row, rowMask, seqKV, scale)
				for j, v := range row {
					s[j] = ar.FromFloat32(v)
				}
			}
		}
	}
}
