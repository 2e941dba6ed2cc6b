package vocab

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/23skdu/ak42/internal/atomicfile"
	"github.com/23skdu/ak42/internal/logger"
	"github.com/23skdu/ak42/internal/metrics"
)

const FileName = "tokenizer.bin"

// Result describes a written tokenizer file.
type Result struct {
	Entries   int
	MaxLength int
	Size      int64
}

// Write encodes v as a uint32 max entry length followed by
// (float32 score, uint32 length, bytes) records in id order.
func Write(w io.Writer, v Vocabulary) (*Result, error) {
	entries, err := Encode(v)
	if err != nil {
		return nil, err
	}
	maxLen, err := MaxLength(entries)
	if err != nil {
		return nil, err
	}

	var size int64
	var rec [8]byte
	binary.LittleEndian.PutUint32(rec[:4], uint32(maxLen))
	if _, err := w.Write(rec[:4]); err != nil {
		return nil, fmt.Errorf("write tokenizer header: %w", err)
	}
	size += 4

	for id, e := range entries {
		binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(e.Score))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(len(e.Text)))
		if _, err := w.Write(rec[:]); err != nil {
			return nil, fmt.Errorf("write token %d: %w", id, err)
		}
		if _, err := w.Write(e.Text); err != nil {
			return nil, fmt.Errorf("write token %d: %w", id, err)
		}
		size += 8 + int64(len(e.Text))
	}

	return &Result{Entries: len(entries), MaxLength: maxLen, Size: size}, nil
}

// WriteFile writes tokenizer.bin to path, which only appears once complete.
func WriteFile(path string, v Vocabulary) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStage("tokenizer", time.Since(start))
	}()

	f, err := atomicfile.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Discard()

	res, err := Write(f, v)
	if err != nil {
		return nil, err
	}
	if err := f.Commit(); err != nil {
		return nil, err
	}

	metrics.RecordBytes("tokenizer", res.Size)
	metrics.RecordVocabulary(res.Entries, res.MaxLength)
	logger.Log.Info("tokenizer written", "path", path, "entries", res.Entries,
		"max_word_length", res.MaxLength, "bos", v.BOS(), "eos", v.EOS())
	return res, nil
}

// Read parses a tokenizer.bin stream.
func Read(r io.Reader) (maxLen int, entries []Entry, err error) {
	var hdr uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, nil, fmt.Errorf("read tokenizer header: %w", err)
	}

	var rec [8]byte
	for id := 0; ; id++ {
		if _, err := io.ReadFull(r, rec[:]); err == io.EOF {
			break
		} else if err != nil {
			return 0, nil, fmt.Errorf("read token %d: %w", id, err)
		}
		n := binary.LittleEndian.Uint32(rec[4:8])
		if n > hdr {
			return 0, nil, fmt.Errorf("token %d: length %d exceeds header maximum %d", id, n, hdr)
		}
		text := make([]byte, n)
		if _, err := io.ReadFull(r, text); err != nil {
			return 0, nil, fmt.Errorf("read token %d: %w", id, err)
		}
		entries = append(entries, Entry{
			Score: math.Float32frombits(binary.LittleEndian.Uint32(rec[0:4])),
			Text:  text,
		})
	}
	return int(hdr), entries, nil
}
