// Package plugin exposes the attention block and the standalone layer
// normalization as self-describing plugins: a creator builds a plugin from
// named fields or from its serialized descriptor, and the plugin enqueues its
// work on a device handle given untyped input tensors.
package plugin

import (
	"errors"
	"fmt"

	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/numeric"
)

var (
	// ErrDuplicate is returned when a creator name is registered twice.
	ErrDuplicate = errors.New("plugin already registered")
	// ErrUnknown is returned for lookups of unregistered creators.
	ErrUnknown = errors.New("unknown plugin")
	// ErrField is returned for malformed creation fields.
	ErrField = errors.New("invalid plugin field")
	// ErrDescriptor is returned when a serialized descriptor cannot be decoded.
	ErrDescriptor = errors.New("invalid plugin descriptor")
	// ErrInputs is returned when the number or shape of inputs is wrong.
	ErrInputs = errors.New("invalid plugin inputs")
)

// Tensor is an untyped activation or weight buffer. Data holds len(Dims)
// product elements of DType in row-major order.
type Tensor struct {
	DType numeric.DType
	Dims  []int
	Data  []byte
}

// NewTensor wraps data without copying.
func NewTensor[E numeric.Element](data []E, dims ...int) Tensor {
	return Tensor{DType: numeric.DTypeOf[E](), Dims: dims, Data: numeric.Bytes(data)}
}

// Elements returns the product of the dims.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// values views t as []E after checking the dtype and the byte length.
func values[E numeric.Element](t Tensor, name string) ([]E, error) {
	if want := numeric.DTypeOf[E](); t.DType != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", numeric.ErrUnsupportedDType, name, t.DType, want)
	}
	if want := t.Elements() * t.DType.Size(); len(t.Data) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, dims %v need %d", ErrInputs, name, len(t.Data), t.Dims, want)
	}
	return numeric.View[E](t.Data)
}

// Field is one named creation argument. Value is a string, an int, a float32
// or a []float32.
type Field struct {
	Name  string
	Value any
}

// FieldSpec describes a field a creator understands.
type FieldSpec struct {
	Name string
	Kind string
}

// Plugin is one configured operation.
type Plugin interface {
	Name() string
	Version() string
	// LayerName is the instance name the plugin was created with.
	LayerName() string
	NumInputs() int
	// MarshalBinary returns the descriptor Deserialize accepts.
	MarshalBinary() ([]byte, error)
	// Clone returns an independent plugin with the same configuration.
	Clone() Plugin
	// OutputDims returns the output shape for the input shapes.
	OutputDims(inputs [][]int) ([]int, error)
	// WorkspaceSize returns the scratch bytes Enqueue needs for inputs.
	WorkspaceSize(inputs []Tensor) (int, error)
	// Enqueue validates the tensors and enqueues the operation on the stream
	// bound to h. Inputs, output and workspace must stay alive until the
	// stream is synchronized.
	Enqueue(inputs []Tensor, output Tensor, workspace []byte, h *device.Handle) error
}

// Creator builds plugins of one type.
type Creator interface {
	Name() string
	Version() string
	Fields() []FieldSpec
	Create(layerName string, fields []Field) (Plugin, error)
	Deserialize(layerName string, data []byte) (Plugin, error)
}

func fieldString(f Field) (string, error) {
	s, ok := f.Value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrField, f.Name, f.Value)
	}
	return s, nil
}

func fieldInt(f Field) (int, error) {
	switch v := f.Value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrField, f.Name, f.Value)
}

func fieldFloat(f Field) (float32, error) {
	switch v := f.Value.(type) {
	case float32:
		return v, nil
	case float64:
		return float32(v), nil
	}
	return 0, fmt.Errorf("%w: %s must be a float, got %T", ErrField, f.Name, f.Value)
}

func fieldFloats(f Field) ([]float32, error) {
	switch v := f.Value.(type) {
	case []float32:
		return append([]float32(nil), v...), nil
	case []float64:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a float list, got %T", ErrField, f.Name, f.Value)
}

func checkHandle(h *device.Handle) error {
	if h == nil || h.Stream() == nil {
		return fmt.Errorf("%w: no stream bound to the handle", device.ErrResource)
	}
	return nil
}

func dims3(name string, d []int) (a, b, c int, err error) {
	if len(d) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %s has rank %d, want 3", ErrInputs, name, len(d))
	}
	return d[0], d[1], d[2], nil
}
