package weights

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/23skdu/ak42/internal/tensor"
)

// torchFile holds the tensors of one pickled PyTorch state dict.
type torchFile struct {
	path    string
	tensors map[string]*pytorch.Tensor
}

func openTorch(path string) (*torchFile, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	tf := &torchFile{path: path, tensors: make(map[string]*pytorch.Tensor)}
	add := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("%s: state dict key %v is not a string", path, k)
		}
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			// non-tensor entries such as buffers' metadata are ignored
			return nil
		}
		tf.tensors[name] = t
		return nil
	}

	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := add(k, d.MustGet(k)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: unexpected pickle root %T", path, v)
	}
	return tf, nil
}

func (tf *torchFile) names() []string {
	names := make([]string, 0, len(tf.tensors))
	for name := range tf.tensors {
		names = append(names, name)
	}
	return names
}

// tensor copies the strided view of name into a row-major float32 buffer.
func (tf *torchFile) tensor(name string) (*tensor.Tensor, error) {
	t, ok := tf.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tensor.ErrNotFound, name)
	}

	var at func(i int) float32
	var storageLen int
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at, storageLen = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.HalfStorage:
		at, storageLen = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, storageLen = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, storageLen = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	default:
		return nil, ErrUnsupportedDType{Tensor: name, DType: fmt.Sprintf("%T", t.Source)}
	}

	data, err := gather(name, t.Size, t.Stride, t.StorageOffset, storageLen, at)
	if err != nil {
		return nil, err
	}
	return tensor.New(name, t.Size, data)
}

// gather walks shape in row-major order, reading element (i0, i1, ...) at
// offset + sum(ik * stride[k]).
func gather(name string, shape, stride []int, offset, storageLen int, at func(int) float32) ([]float32, error) {
	if len(shape) != len(stride) {
		return nil, &tensor.ShapeError{Tensor: name, Op: "load", Shape: shape,
			Reason: fmt.Sprintf("stride %v has different rank", stride)}
	}

	n := 1
	last := offset
	for k, d := range shape {
		n *= d
		if d > 0 {
			last += (d - 1) * stride[k]
		}
	}
	if n == 0 {
		return []float32{}, nil
	}
	if offset < 0 || last >= storageLen {
		return nil, &tensor.ShapeError{Tensor: name, Op: "load", Shape: shape,
			Reason: fmt.Sprintf("view reaches element %d of storage with %d", last, storageLen)}
	}

	out := make([]float32, n)
	idx := make([]int, len(shape))
	pos := offset
	for i := range out {
		out[i] = at(pos)
		for k := len(shape) - 1; k >= 0; k-- {
			idx[k]++
			pos += stride[k]
			if idx[k] < shape[k] {
				break
			}
			pos -= idx[k] * stride[k]
			idx[k] = 0
		}
	}
	return out, nil
}
