package attention

import (
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
)

// project enqueues Y = X·W for X [rows, hidden] and W [hidden, hidden].
func project[E numeric.Element](h *device.Handle, name string, y, x, w []E, rows, hidden int) error {
	return device.Gemm(h, name, device.GemmArgs[E]{
		M:     rows,
		N:     hidden,
		K:     hidden,
		Alpha: 1,
		A:     x[:rows*hidden],
		B:     w,
		C:     y[:rows*hidden],
	})
}
