package vocab

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrUnknownFormat = errors.New("unknown tokenizer format")

// Load picks the tokenizer in dir, preferring a sentencepiece tokenizer.model
// over tokenizer.json. It returns the format it used.
func Load(dir string, fallback Special) (Vocabulary, string, error) {
	patterns := []struct {
		file string
		load func() (Vocabulary, error)
	}{
		{"tokenizer.model", func() (Vocabulary, error) {
			return LoadSentencePiece(filepath.Join(dir, "tokenizer.model"))
		}},
		{"tokenizer.json", func() (Vocabulary, error) {
			return LoadTokenizerJSON(dir, fallback)
		}},
	}

	for _, p := range patterns {
		if _, err := os.Stat(filepath.Join(dir, p.file)); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, "", err
		}

		v, err := p.load()
		if err != nil {
			return nil, "", err
		}
		return v, p.file, nil
	}

	return nil, "", ErrUnknownFormat
}
