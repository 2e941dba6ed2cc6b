package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNotFound      = errors.New("tensor not found")
)

// Tensor is a named dense buffer stored in row-major order.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Source resolves canonical parameter names to tensors.
type Source interface {
	Tensor(name string) (*Tensor, error)
}

// ShapeError reports a tensor whose shape cannot serve an operation.
type ShapeError struct {
	Tensor string
	Op     string
	Shape  []int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: tensor %q with shape %v: %s", e.Op, e.Tensor, e.Shape, e.Reason)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// New checks that data holds exactly the number of elements the shape implies.
func New(name string, shape []int, data []float32) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, &ShapeError{Tensor: name, Op: "new", Shape: shape, Reason: err.Error()}
	}
	if n != len(data) {
		return nil, &ShapeError{
			Tensor: name,
			Op:     "new",
			Shape:  shape,
			Reason: fmt.Sprintf("shape holds %d elements, buffer has %d", n, len(data)),
		}
	}
	return &Tensor{Name: name, Shape: slices.Clone(shape), Data: data}, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) NumElements() int {
	return len(t.Data)
}

// SizeBytes is the number of bytes WriteF32 emits for t.
func (t *Tensor) SizeBytes() int64 {
	return int64(len(t.Data)) * 4
}

// BitEqual reports whether a and b have the same shape and identical float32
// bit patterns.
func BitEqual(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !slices.Equal(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// MapSource is an in-memory Source keyed by parameter name.
type MapSource map[string]*Tensor

func (m MapSource) Tensor(name string) (*Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}
