package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// chunkElements bounds the scratch buffer used while encoding.
const chunkElements = 16 * 1024

// WriteF32 appends every element of t to w as a little-endian IEEE-754
// float32, last axis fastest, with no prefix and no padding.
func WriteF32(w io.Writer, t *Tensor) error {
	if len(t.Data) == 0 {
		return nil
	}

	buf := make([]byte, 4*min(chunkElements, len(t.Data)))
	for off := 0; off < len(t.Data); off += chunkElements {
		end := min(off+chunkElements, len(t.Data))
		b := buf[:4*(end-off)]
		for i, v := range t.Data[off:end] {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return nil
}
