package attention

import "errors"

var (
	// ErrConfig reports an invalid layer configuration or parameter set.
	ErrConfig = errors.New("invalid attention config")
	// ErrShapeMismatch reports tensors whose shapes disagree with the layer
	// or with each other.
	ErrShapeMismatch = errors.New("shape mismatch")
)
