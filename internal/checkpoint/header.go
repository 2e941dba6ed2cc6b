package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/23skdu/ak42/internal/config"
)

const (
	Magic      uint32 = 0x616B3432
	Version    int32  = 1
	HeaderSize        = 256
)

// rawHeader is the on-disk header; binary.Write zero-fills the blank padding.
type rawHeader struct {
	Magic   uint32
	Version int32
	Dims    [7]int32
	Shared  uint8
	_       [HeaderSize - 37]byte
}

// Header is the fixed 256-byte region at the start of checkpoint_v1.bin.
type Header struct {
	Config       config.ModelConfig
	SharedOutput bool
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid checkpoint magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version int32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported checkpoint version: %d", e.Version)
}

func (h Header) MarshalBinary() ([]byte, error) {
	if err := h.Config.Validate(); err != nil {
		return nil, err
	}

	c := h.Config
	raw := rawHeader{
		Magic:   Magic,
		Version: Version,
		Dims: [7]int32{
			int32(c.EmbeddingSize),
			int32(c.FFNHiddenSize),
			int32(c.Layers),
			int32(c.Heads),
			int32(c.QueryGroups),
			int32(c.VocabSize),
			int32(c.MaxSeqLen),
		},
	}
	if h.SharedOutput {
		raw.Shared = 1
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.LittleEndian, &raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadHeader parses the first HeaderSize bytes of r.
func ReadHeader(r io.Reader) (Header, error) {
	var raw rawHeader
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, fmt.Errorf("read checkpoint header: %w", err)
	}
	if raw.Magic != Magic {
		return Header{}, ErrInvalidMagic{Magic: raw.Magic}
	}
	if raw.Version != Version {
		return Header{}, ErrUnsupportedVersion{Version: raw.Version}
	}

	d := raw.Dims
	return Header{
		Config: config.ModelConfig{
			EmbeddingSize: int(d[0]),
			FFNHiddenSize: int(d[1]),
			Layers:        int(d[2]),
			Heads:         int(d[3]),
			QueryGroups:   int(d[4]),
			VocabSize:     int(d[5]),
			MaxSeqLen:     int(d[6]),
		},
		SharedOutput: raw.Shared != 0,
	}, nil
}

// BodySize is the number of bytes that follow the header for c.
func BodySize(c config.ModelConfig, shared bool) int64 {
	var n int64
	for _, b := range Plan(c, shared) {
		n += int64(b.Elements()) * 4
	}
	return n
}
