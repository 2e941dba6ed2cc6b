package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/ak42/internal/tensor"
)

type fixtureTensor struct {
	name   string
	dtype  string
	shape  []int
	values []float64
}

func encode(dtype string, values []float64) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		switch dtype {
		case "F32":
			binary.Write(&buf, binary.LittleEndian, float32(v))
		case "F16":
			binary.Write(&buf, binary.LittleEndian, float16.Fromfloat32(float32(v)).Bits())
		case "BF16":
			binary.Write(&buf, binary.LittleEndian, uint16(math.Float32bits(float32(v))>>16))
		case "F64":
			binary.Write(&buf, binary.LittleEndian, v)
		case "I64":
			binary.Write(&buf, binary.LittleEndian, int64(v))
		}
	}
	return buf.Bytes()
}

func writeSafetensors(t *testing.T, path string, tensors ...fixtureTensor) {
	t.Helper()

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body []byte
	for _, ft := range tensors {
		data := encode(ft.dtype, ft.values)
		header[ft.name] = map[string]any{
			"dtype":        ft.dtype,
			"shape":        ft.shape,
			"data_offsets": []int{len(body), len(body) + len(data)},
		}
		body = append(body, data...)
	}
	hdr, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(hdr)))
	buf.Write(hdr)
	buf.Write(body)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestSafetensorsDTypes(t *testing.T) {
	dir := t.TempDir()
	values := []float64{1.5, -2, 0.25, 0, 3, -0.5}
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		fixtureTensor{"a.f32", "F32", []int{2, 3}, values},
		fixtureTensor{"a.f16", "F16", []int{2, 3}, values},
		fixtureTensor{"a.bf16", "BF16", []int{2, 3}, values},
		fixtureTensor{"a.f64", "F64", []int{6}, values},
	)

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, FormatSafetensors, s.Format)
	assert.Equal(t, []string{"a.bf16", "a.f16", "a.f32", "a.f64"}, s.Names())

	want := []float32{1.5, -2, 0.25, 0, 3, -0.5}
	for _, name := range []string{"a.f32", "a.f16", "a.bf16", "a.f64"} {
		got, err := s.Tensor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got.Data, name)
		assert.Equal(t, name, got.Name)
	}

	got, err := s.Tensor("a.f32")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
}

func TestSafetensorsMissingTensor(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		fixtureTensor{"x", "F32", []int{1}, []float64{1}})

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Tensor("lm_head.weight")
	assert.ErrorIs(t, err, tensor.ErrNotFound)
}

func TestSafetensorsUnsupportedDType(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		fixtureTensor{"pos", "I64", []int{2}, []float64{0, 1}})

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Tensor("pos")
	var dt ErrUnsupportedDType
	require.ErrorAs(t, err, &dt)
	assert.Equal(t, "I64", dt.DType)
}

func TestSafetensorsInvalidHeader(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"length beyond file", append(binary.LittleEndian.AppendUint64(nil, 1000), '{', '}')},
		{"bad json", append(binary.LittleEndian.AppendUint64(nil, 3), 'x', 'y', 'z')},
		{"offsets beyond data", func() []byte {
			hdr := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
			b := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
			return append(append(b, hdr...), 0, 0, 0, 0)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), tt.data, 0o644))

			_, err := Open(dir)
			var hdr ErrInvalidHeader
			assert.ErrorAs(t, err, &hdr)
		})
	}
}

func TestSafetensorsShardedIndex(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"),
		fixtureTensor{"a", "F32", []int{2}, []float64{1, 2}})
	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"),
		fixtureTensor{"b", "F16", []int{2}, []float64{3, 4}})
	// not referenced by the index, so never opened
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.safetensors"), []byte("junk"), 0o644))

	idx := `{"metadata": {"total_size": 12}, "weight_map": {
		"a": "model-00001-of-00002.safetensors",
		"b": "model-00002-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, SafetensorsIndex), []byte(idx), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	b, err := s.Tensor("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, b.Data)
	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func TestDuplicateTensorAcrossShards(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"),
		fixtureTensor{"w", "F32", []int{1}, []float64{1}})
	writeSafetensors(t, filepath.Join(dir, "b.safetensors"),
		fixtureTensor{"w", "F32", []int{1}, []float64{2}})

	_, err := Open(dir)
	assert.ErrorContains(t, err, "more than one file")
}

func TestOpenEmptyDir(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNoWeights)
}

func TestGatherStrided(t *testing.T) {
	storage := []float32{100, 0, 1, 2, 3, 4, 5}
	at := func(i int) float32 { return storage[i] }

	// contiguous 2x3 view starting at offset 1
	got, err := gather("w", []int{2, 3}, []int{3, 1}, 1, len(storage), at)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, got)

	// transposed view of the same storage
	got, err = gather("w", []int{3, 2}, []int{1, 3}, 1, len(storage), at)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, got)

	got, err = gather("w", []int{0, 3}, []int{3, 1}, 0, len(storage), at)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGatherOutOfBounds(t *testing.T) {
	at := func(i int) float32 { return 0 }

	_, err := gather("w", []int{2, 3}, []int{3, 1}, 2, 6, at)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = gather("w", []int{2, 3}, []int{1}, 0, 6, at)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
