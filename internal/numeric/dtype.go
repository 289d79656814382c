// Package numeric defines the element types the attention pipeline runs on and
// the arithmetic each of them supports.
package numeric

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedDType is returned for element types the pipeline cannot run on.
var ErrUnsupportedDType = errors.New("unsupported element type")

// DType identifies an element encoding at runtime.
type DType int

const (
	DTypeInvalid DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeI32
)

// Size returns the byte size of one element, or 0 for an invalid dtype.
func (dt DType) Size() int {
	switch dt {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// String returns the safetensors spelling of the dtype.
func (dt DType) String() string {
	switch dt {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI8:
		return "I8"
	case DTypeI32:
		return "I32"
	default:
		return "INVALID"
	}
}

// Activation reports whether activations of this dtype can flow through the
// attention pipeline.
func (dt DType) Activation() bool {
	return dt == DTypeF32 || dt == DTypeF16
}

// ParseDType accepts both the safetensors names (F32, F16) and the lower case
// forms used in config files (float32, fp16, ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32", "float":
		return DTypeF32, nil
	case "f16", "float16", "fp16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i8", "int8":
		return DTypeI8, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeInvalid, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

// Mode selects the arithmetic used for the matrix multiplies of one layer.
type Mode int

const (
	// ModeFloat runs every GEMM in the activation element type.
	ModeFloat Mode = iota
	// ModeInt8 runs every GEMM as an int8 GEMM with int32 accumulation.
	ModeInt8
)

func (m Mode) String() string {
	switch m {
	case ModeFloat:
		return "float"
	case ModeInt8:
		return "int8"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "float" or "int8".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float", "fp", "fp32", "fp16":
		return ModeFloat, nil
	case "int8", "i8", "quantized":
		return ModeInt8, nil
	default:
		return ModeFloat, fmt.Errorf("unknown numeric mode %q (expected float or int8)", s)
	}
}
