package tensor

import (
	"math/rand"
)

// Mat is a dense row-major float32 matrix.
//
// R and C are the number of rows and columns. Stride is the number of elements
// between the starts of two consecutive rows; it is at least C and lets a Mat
// describe a sub-block of a larger buffer (a leading dimension in BLAS terms).
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an r x c matrix. len(data) must be r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// NewMatStrided wraps data as an r x c matrix whose rows are stride elements
// apart. data must cover the last row.
func NewMatStrided(r, c, stride int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if stride < c {
		return Mat{}, errBadStride
	}
	if r > 0 && c > 0 && len(data) < (r-1)*stride+c {
		return Mat{}, errShortData
	}
	return Mat{R: r, C: c, Stride: stride, Data: data}, nil
}

// Row returns a view of the i-th row.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns element (i, j).
func (m *Mat) At(i, j int) float32 {
	return m.Data[i*m.Stride+j]
}

// Set stores v at (i, j).
func (m *Mat) Set(i, j int, v float32) {
	m.Data[i*m.Stride+j] = v
}

// FillRand fills the matrix with reproducible values in roughly (-scale/2, scale/2).
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * scale
		}
	}
}

var (
	errNegativeDim = fmtError("negative dimension for matrix")
	errBadStride   = fmtError("stride smaller than column count")
	errShortData   = fmtError("data too short for matrix shape")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
