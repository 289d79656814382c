package tensor

// The COL32 layout stores a rows x cols matrix as a sequence of column tiles
// 32 wide. Tile t holds columns [32t, 32t+32) of every row, row after row, so
// element (r, c) lives at (c/32)*rows*32 + r*32 + c%32. The column count is
// padded up to a multiple of 32 and the padding is zero.

// Col32Width is the tile width of the COL32 layout.
const Col32Width = 32

// Pad32 rounds n up to a multiple of 32.
func Pad32(n int) int {
	return (n + Col32Width - 1) / Col32Width * Col32Width
}

// Col32Len is the number of elements a rows x cols COL32 matrix occupies.
func Col32Len(rows, cols int) int {
	return rows * Pad32(cols)
}

// Col32Index returns the COL32 offset of element (r, c) in a matrix of rows rows.
func Col32Index(rows, r, c int) int {
	return (c/Col32Width)*rows*Col32Width + r*Col32Width + c%Col32Width
}

// RowMajorToCol32 converts a row-major rows x cols matrix into COL32 order.
// dst must hold Col32Len(rows, cols) elements; padding columns are zeroed.
func RowMajorToCol32[T int8 | int32 | float32](dst, src []T, rows, cols int) {
	if len(src) < rows*cols || len(dst) < Col32Len(rows, cols) {
		panic("col32: buffer too small")
	}
	padded := Pad32(cols)
	for r := 0; r < rows; r++ {
		row := src[r*cols : r*cols+cols]
		for t := 0; t < padded; t += Col32Width {
			out := dst[t*rows+r*Col32Width : t*rows+r*Col32Width+Col32Width]
			n := copy(out, row[min(t, cols):min(t+Col32Width, cols)])
			clear(out[n:])
		}
	}
}

// Col32ToRowMajor converts a COL32 rows x cols matrix back to row-major order,
// dropping the padding columns.
func Col32ToRowMajor[T int8 | int32 | float32](dst, src []T, rows, cols int) {
	if len(dst) < rows*cols || len(src) < Col32Len(rows, cols) {
		panic("col32: buffer too small")
	}
	for r := 0; r < rows; r++ {
		row := dst[r*cols : r*cols+cols]
		for t := 0; t < cols; t += Col32Width {
			in := src[t*rows+r*Col32Width : t*rows+r*Col32Width+Col32Width]
			copy(row[t:min(t+Col32Width, cols)], in)
		}
	}
}
