package weights

import (
	"errors"
	"fmt"
)

var ErrNoWeights = errors.New("no weight files found")

// ErrInvalidHeader reports a safetensors file whose header cannot be used.
type ErrInvalidHeader struct {
	Path   string
	Reason string
}

func (e ErrInvalidHeader) Error() string {
	return fmt.Sprintf("invalid safetensors header in %s: %s", e.Path, e.Reason)
}

// ErrUnsupportedDType reports a tensor stored in a type that has no float32
// conversion.
type ErrUnsupportedDType struct {
	Tensor string
	DType  string
}

func (e ErrUnsupportedDType) Error() string {
	return fmt.Sprintf("tensor %s: unsupported dtype %s", e.Tensor, e.DType)
}
