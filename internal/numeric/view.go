package numeric

import (
	"fmt"
	"unsafe"
)

// View reinterprets raw as a slice of T without copying. raw must hold a whole
// number of elements and be suitably aligned for T; the view aliases raw.
func View[T any](raw []byte) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	align := uintptr(unsafe.Alignof(zero))
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("view: %d bytes is not a multiple of element size %d", len(raw), size)
	}
	if uintptr(unsafe.Pointer(&raw[0]))%align != 0 {
		return nil, fmt.Errorf("view: buffer not aligned to %d bytes", align)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), len(raw)/size), nil
}

// Bytes reinterprets s as its backing bytes without copying.
func Bytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
