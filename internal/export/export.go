// Package export converts a Hugging Face llama directory into
// checkpoint_v1.bin and tokenizer.bin.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/ak42/internal/checkpoint"
	"github.com/23skdu/ak42/internal/config"
	"github.com/23skdu/ak42/internal/layout"
	"github.com/23skdu/ak42/internal/logger"
	"github.com/23skdu/ak42/internal/metrics"
	"github.com/23skdu/ak42/internal/vocab"
	"github.com/23skdu/ak42/internal/weights"
)

// Options carries everything one conversion needs.
type Options struct {
	InputDir  string
	OutputDir string

	// Layout also writes checkpoint_v1.layout.arrow next to the checkpoint.
	Layout bool
	// Sequential writes the tokenizer only after the checkpoint.
	Sequential bool
}

func (o Options) Validate() error {
	if o.InputDir == "" {
		return errors.New("input model directory is required")
	}
	if o.OutputDir == "" {
		return errors.New("output directory is required")
	}
	return nil
}

// Report summarizes a finished conversion.
type Report struct {
	Config          config.ModelConfig
	WeightFormat    string
	TokenizerFormat string
	Checkpoint      *checkpoint.Result
	Tokenizer       *vocab.Result
	LayoutPath      string

	// TiedMismatch is set when config.json's tie_word_embeddings disagrees
	// with what the weights show.
	TiedMismatch bool
}

// Convert runs both writers. Every input is loaded and validated before the
// output directory is created.
func Convert(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStage("convert", time.Since(start))
	}()

	rep, err := convert(ctx, opts)
	if err != nil {
		metrics.RecordValidationError(kind(err))
		return nil, err
	}
	return rep, nil
}

func convert(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := logger.Log.With("input", opts.InputDir, "output", opts.OutputDir)

	src, err := config.Load(filepath.Join(opts.InputDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	if err := src.CheckPreconditions(); err != nil {
		return nil, err
	}
	cfg, err := src.ModelConfig()
	if err != nil {
		return nil, err
	}
	log.Info("model config loaded", "architectures", src.Architectures, "dim", cfg.EmbeddingSize, "hidden_dim", cfg.FFNHiddenSize,
		"layers", cfg.Layers, "heads", cfg.Heads, "query_groups", cfg.QueryGroups,
		"vocab_size", cfg.VocabSize, "max_seq_len", cfg.MaxSeqLen)

	v, format, err := vocab.Load(opts.InputDir, fallbackSpecials(src))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if err := vocab.CheckSize(v, cfg.VocabSize); err != nil {
		return nil, err
	}
	log.Info("tokenizer loaded", "format", format, "entries", v.Len(), "bos", v.BOS(), "eos", v.EOS())

	ws, err := weights.Open(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() {
		_ = ws.Close()
	}()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	rep := &Report{Config: cfg, WeightFormat: ws.Format, TokenizerFormat: format}
	writeCheckpoint := func(ctx context.Context) error {
		res, err := checkpoint.WriteFile(ctx, filepath.Join(opts.OutputDir, checkpoint.FileName), cfg, ws)
		rep.Checkpoint = res
		return err
	}
	writeTokenizer := func(context.Context) error {
		res, err := vocab.WriteFile(filepath.Join(opts.OutputDir, vocab.FileName), v)
		rep.Tokenizer = res
		return err
	}

	if opts.Sequential {
		if err := writeCheckpoint(ctx); err != nil {
			return nil, err
		}
		if err := writeTokenizer(ctx); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return writeCheckpoint(gctx) })
		g.Go(func() error { return writeTokenizer(gctx) })
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if src.TieWordEmbeddings != rep.Checkpoint.Header.SharedOutput {
		rep.TiedMismatch = true
		log.Warn("tie_word_embeddings disagrees with weights",
			"tie_word_embeddings", src.TieWordEmbeddings, "shared_output", rep.Checkpoint.Header.SharedOutput)
	}

	if opts.Layout {
		rep.LayoutPath = filepath.Join(opts.OutputDir, layout.FileName)
		if err := layout.Write(rep.LayoutPath, rep.Checkpoint.Layout); err != nil {
			return nil, fmt.Errorf("write layout: %w", err)
		}
		log.Info("layout written", "path", rep.LayoutPath, "entries", len(rep.Checkpoint.Layout))
	}

	log.Info("conversion complete", "checkpoint_bytes", rep.Checkpoint.Size,
		"tokenizer_bytes", rep.Tokenizer.Size, "shared_output", rep.Checkpoint.Header.SharedOutput)
	return rep, nil
}

func fallbackSpecials(src *config.Source) vocab.Special {
	s := vocab.Special{BOS: -1, EOS: -1}
	if src.BOSTokenID != nil {
		s.BOS = *src.BOSTokenID
	}
	if src.EOSTokenID != nil {
		s.EOS = *src.EOSTokenID
	}
	return s
}
