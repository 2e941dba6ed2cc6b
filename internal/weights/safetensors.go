package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"syscall"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/ak42/internal/tensor"
)

// maxHeaderSize bounds the JSON header length read from the first 8 bytes.
const maxHeaderSize = 100 << 20

type stInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// safetensorsFile is a memory mapped .safetensors file.
type safetensorsFile struct {
	path    string
	data    []byte
	body    []byte
	tensors map[string]stInfo
}

func openSafetensors(path string) (*safetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 8 {
		return nil, ErrInvalidHeader{Path: path, Reason: fmt.Sprintf("file is %d bytes", size)}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	st, err := parseSafetensors(path, data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	return st, nil
}

func parseSafetensors(path string, data []byte) (*safetensorsFile, error) {
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, ErrInvalidHeader{Path: path, Reason: fmt.Sprintf("header length %d exceeds file size %d", n, len(data))}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, ErrInvalidHeader{Path: path, Reason: err.Error()}
	}

	st := &safetensorsFile{
		path:    path,
		data:    data,
		body:    data[8+n:],
		tensors: make(map[string]stInfo, len(raw)),
	}
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var ti stInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, ErrInvalidHeader{Path: path, Reason: fmt.Sprintf("tensor %s: %v", name, err)}
		}
		begin, end := ti.DataOffsets[0], ti.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(st.body)) {
			return nil, ErrInvalidHeader{Path: path, Reason: fmt.Sprintf("tensor %s: offsets %v outside data of %d bytes", name, ti.DataOffsets, len(st.body))}
		}
		st.tensors[name] = ti
	}
	return st, nil
}

func (st *safetensorsFile) names() []string {
	names := make([]string, 0, len(st.tensors))
	for name := range st.tensors {
		names = append(names, name)
	}
	return names
}

// tensor decodes name into a freshly allocated float32 buffer.
func (st *safetensorsFile) tensor(name string) (*tensor.Tensor, error) {
	ti, ok := st.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tensor.ErrNotFound, name)
	}

	raw := st.body[ti.DataOffsets[0]:ti.DataOffsets[1]]
	n := 1
	for _, d := range ti.Shape {
		n *= d
	}

	width, err := dtypeSize(name, ti.DType)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*width {
		return nil, &tensor.ShapeError{
			Tensor: name,
			Op:     "load",
			Shape:  ti.Shape,
			Reason: fmt.Sprintf("%s data is %d bytes, want %d", ti.DType, len(raw), n*width),
		}
	}

	data := make([]float32, n)
	switch ti.DType {
	case "F32":
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		copy(data, bfloat16.DecodeFloat32(raw))
	case "F64":
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return tensor.New(name, ti.Shape, data)
}

func dtypeSize(name, dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	case "F64":
		return 8, nil
	}
	return 0, ErrUnsupportedDType{Tensor: name, DType: dtype}
}

func (st *safetensorsFile) Close() error {
	return syscall.Munmap(st.data)
}
