package vocab

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// WordBoundary is the sentencepiece marker for a preceding space.
	WordBoundary = "▁"

	BOSText = "\n<s>\n"
	EOSText = "\n</s>\n"
)

var (
	ErrEmptyVocabulary   = errors.New("empty vocabulary")
	ErrVocabSizeMismatch = errors.New("vocabulary size mismatch")
)

// Vocabulary enumerates tokens by id. BOS and EOS return -1 when the
// tokenizer defines no such token.
type Vocabulary interface {
	Len() int
	Piece(id int) string
	Score(id int) float32
	BOS() int
	EOS() int
}

// List is a Vocabulary backed by slices.
type List struct {
	Pieces []string
	Scores []float32
	BOSID  int
	EOSID  int
}

func (l *List) Len() int             { return len(l.Pieces) }
func (l *List) Piece(id int) string  { return l.Pieces[id] }
func (l *List) Score(id int) float32 { return l.Scores[id] }
func (l *List) BOS() int             { return l.BOSID }
func (l *List) EOS() int             { return l.EOSID }

// Entry is one tokenizer.bin record.
type Entry struct {
	Score float32
	Text  []byte
}

// Encode produces the records of v in id order. BOS and EOS are replaced by
// fixed sentinels; every other piece has its word-boundary markers turned
// into spaces.
func Encode(v Vocabulary) ([]Entry, error) {
	n := v.Len()
	if n == 0 {
		return nil, ErrEmptyVocabulary
	}

	entries := make([]Entry, n)
	for id := range n {
		var text string
		switch id {
		case v.BOS():
			text = BOSText
		case v.EOS():
			text = EOSText
		default:
			text = strings.ReplaceAll(v.Piece(id), WordBoundary, " ")
		}
		entries[id] = Entry{Score: v.Score(id), Text: []byte(text)}
	}
	return entries, nil
}

// MaxLength is the longest encoded text in entries.
func MaxLength(entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, ErrEmptyVocabulary
	}
	longest := 0
	for _, e := range entries {
		longest = max(longest, len(e.Text))
	}
	return longest, nil
}

// CheckSize rejects a vocabulary whose entry count disagrees with the model.
func CheckSize(v Vocabulary, want int) error {
	if got := v.Len(); got != want {
		return fmt.Errorf("%w: tokenizer has %d entries, model expects %d", ErrVocabSizeMismatch, got, want)
	}
	return nil
}
