package tensor

import (
	"math"
)

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MaxAbs returns the largest absolute value in x.
func MaxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// Softmax applies the max-subtracted softmax to x in place. It reports false
// when the row cannot be normalised (empty, all -Inf or a non-finite sum), in
// which case x is left holding intermediate values and the caller must apply
// its own fallback.
func Softmax(x []float32) bool {
	if len(x) == 0 {
		return false
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), -1) || math.IsNaN(float64(maxv)) {
		return false
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
		return false
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
	return true
}
