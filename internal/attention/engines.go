package attention

import (
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
)

// enqueueScores computes Q·Kᵗ for every (batch, head) pair:
// q [n, seqQ, d] and k [n, seqKV, d] give scores [n, seqQ, seqKV] with
// n = batch*heads. Scaling happens in the softmax.
func enqueueScores[E numeric.Element](h *device.Handle, scores, q, k []E, n, seqQ, seqKV, d int) error {
	return device.StridedBatchedGemm(h, "scores", device.BatchedGemmArgs[E]{
		GemmArgs: device.GemmArgs[E]{
			TransB: true,
			M:      seqQ,
			N:      seqKV,
			K:      d,
			Alpha:  1,
			A:      q,
			B:      k,
			C:      scores,
		},
		Count:   n,
		StrideA: seqQ * d,
		StrideB: seqKV * d,
		StrideC: seqQ * seqKV,
	})
}

// enqueueContext computes P·V per (batch, head): probs [n, seqQ, seqKV] and
// v [n, seqKV, d] give ctx [n, seqQ, d].
func enqueueContext[E numeric.Element](h *device.Handle, ctx, probs, v []E, n, seqQ, seqKV, d int) error {
	return device.StridedBatchedGemm(h, "context", device.BatchedGemmArgs[E]{
		GemmArgs: device.GemmArgs[E]{
			M:     seqQ,
			N:     d,
			K:     seqKV,
			Alpha: 1,
			A:     probs,
			B:     v,
			C:     ctx,
		},
		Count:   n,
		StrideA: seqQ * seqKV,
		StrideB: seqKV * d,
		StrideC: seqQ * d,
	})
}
