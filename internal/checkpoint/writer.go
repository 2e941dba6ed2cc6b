package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/23skdu/ak42/internal/atomicfile"
	"github.com/23skdu/ak42/internal/config"
	"github.com/23skdu/ak42/internal/layout"
	"github.com/23skdu/ak42/internal/logger"
	"github.com/23skdu/ak42/internal/metrics"
	"github.com/23skdu/ak42/internal/tensor"
)

const FileName = "checkpoint_v1.bin"

// Result describes a written checkpoint.
type Result struct {
	Header Header
	Layout []layout.Entry
	Size   int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// SharedOutput reports whether the output head can be omitted. A source
// without lm_head.weight ties it to the embedding table.
func SharedOutput(src tensor.Source) (bool, error) {
	out, err := src.Tensor(OutputName)
	if errors.Is(err, tensor.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	emb, err := src.Tensor(EmbeddingName)
	if err != nil {
		return false, err
	}
	return tensor.BitEqual(emb, out), nil
}

// Write streams the header and every weight block of src to w.
func Write(ctx context.Context, w io.Writer, cfg config.ModelConfig, src tensor.Source) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Log.With("component", "checkpoint")

	shared, err := SharedOutput(src)
	if err != nil {
		return nil, err
	}
	metrics.RecordSharedOutput(shared)

	h := Header{Config: cfg, SharedOutput: shared}
	hdr, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	cw := &countingWriter{w: w}
	if _, err := cw.Write(hdr); err != nil {
		return nil, fmt.Errorf("write checkpoint header: %w", err)
	}
	log.Info("header written", "dim", cfg.EmbeddingSize, "layers", cfg.Layers,
		"heads", cfg.Heads, "query_groups", cfg.QueryGroups, "shared_output", shared)

	plan := Plan(cfg, shared)
	entries := make([]layout.Entry, 0, len(plan))
	for i, b := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t, err := src.Tensor(b.Name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", b.Name, err)
		}
		// a transposed matrix has the right element count but would be
		// emitted in the wrong order
		if !slices.Equal(t.Shape, b.Shape) || t.NumElements() != b.Elements() {
			return nil, &tensor.ShapeError{
				Tensor: b.Name,
				Op:     "checkpoint",
				Shape:  t.Shape,
				Reason: fmt.Sprintf("expected %v (%d elements)", b.Shape, b.Elements()),
			}
		}
		if b.Heads > 0 {
			t, err = tensor.Unpermute(t, b.Heads, b.Shape[0], b.Shape[1])
			if err != nil {
				return nil, err
			}
		}

		offset := cw.n
		if err := tensor.WriteF32(cw, t); err != nil {
			return nil, err
		}

		e := layout.Entry{
			Index:     i,
			Name:      b.Name,
			Group:     b.Group,
			Layer:     b.Layer,
			Offset:    offset,
			Bytes:     cw.n - offset,
			Shape:     b.Shape,
			Transform: b.Transform(),
		}
		entries = append(entries, e)
		log.Debug("tensor written", "name", e.Name, "offset", e.Offset, "bytes", e.Bytes, "transform", e.Transform)
	}

	return &Result{Header: h, Layout: entries, Size: cw.n}, nil
}

// WriteFile writes the checkpoint to path, which only appears once complete.
func WriteFile(ctx context.Context, path string, cfg config.ModelConfig, src tensor.Source) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStage("checkpoint", time.Since(start))
	}()

	f, err := atomicfile.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Discard()

	res, err := Write(ctx, f, cfg, src)
	if err != nil {
		return nil, err
	}
	if err := f.Commit(); err != nil {
		return nil, err
	}

	for _, e := range res.Layout {
		metrics.RecordTensor(e.Group)
	}
	metrics.RecordBytes("checkpoint", res.Size)
	logger.Log.Info("checkpoint written", "path", path, "bytes", res.Size, "tensors", len(res.Layout))
	return res, nil
}
