package export

import (
	"errors"

	"github.com/23skdu/ak42/internal/config"
	"github.com/23skdu/ak42/internal/tensor"
	"github.com/23skdu/ak42/internal/vocab"
	"github.com/23skdu/ak42/internal/weights"
)

var (
	ErrConfigMismatch    = config.ErrConfigMismatch
	ErrShapeMismatch     = tensor.ErrShapeMismatch
	ErrEmptyVocabulary   = vocab.ErrEmptyVocabulary
	ErrVocabSizeMismatch = vocab.ErrVocabSizeMismatch
)

// kind labels err for ak42_validation_errors_total.
func kind(err error) string {
	switch {
	case errors.Is(err, ErrConfigMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrEmptyVocabulary):
		return "empty_vocabulary"
	case errors.Is(err, ErrVocabSizeMismatch):
		return "vocab_size_mismatch"
	case errors.Is(err, tensor.ErrNotFound):
		return "missing_tensor"
	case errors.Is(err, vocab.ErrUnknownFormat), errors.Is(err, weights.ErrNoWeights):
		return "missing_input"
	}
	return "other"
}
