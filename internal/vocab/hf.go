package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type hfToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

type hfTokenizer struct {
	AddedTokens []hfToken `json:"added_tokens"`
	Model       struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

// Special holds token ids taken from config.json when the tokenizer files
// do not name them. -1 means unset.
type Special struct {
	BOS int
	EOS int
}

type scoredPiece struct {
	piece string
	score float32
}

// LoadTokenizerJSON builds a vocabulary from tokenizer.json in dir. Unigram
// models carry their own scores; BPE vocabularies are scored by negative id
// so that earlier merges rank higher.
func LoadTokenizerJSON(dir string, fallback Special) (*List, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}

	var t hfTokenizer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}

	byID := make(map[int]scoredPiece)
	switch t.Model.Type {
	case "Unigram":
		var pairs [][]any
		if err := json.Unmarshal(t.Model.Vocab, &pairs); err != nil {
			return nil, fmt.Errorf("parse unigram vocab: %w", err)
		}
		for id, p := range pairs {
			if len(p) != 2 {
				return nil, fmt.Errorf("unigram vocab entry %d: expected [piece, score]", id)
			}
			piece, ok := p[0].(string)
			score, ok2 := p[1].(float64)
			if !ok || !ok2 {
				return nil, fmt.Errorf("unigram vocab entry %d: expected [piece, score]", id)
			}
			byID[id] = scoredPiece{piece: piece, score: float32(score)}
		}
	default:
		var vocab map[string]int
		if err := json.Unmarshal(t.Model.Vocab, &vocab); err != nil {
			return nil, fmt.Errorf("parse %s vocab: %w", t.Model.Type, err)
		}
		for piece, id := range vocab {
			byID[id] = scoredPiece{piece: piece, score: -float32(id)}
		}
	}

	for _, at := range t.AddedTokens {
		sp := byID[at.ID]
		sp.piece = at.Content
		byID[at.ID] = sp
	}

	n := 0
	for id := range byID {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer.json: negative token id %d", id)
		}
		n = max(n, id+1)
	}

	l := &List{
		Pieces: make([]string, n),
		Scores: make([]float32, n),
		BOSID:  fallback.BOS,
		EOSID:  fallback.EOS,
	}
	index := make(map[string]int, n)
	for id := range n {
		sp, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("tokenizer.json: no token with id %d", id)
		}
		l.Pieces[id] = sp.piece
		l.Scores[id] = sp.score
		index[sp.piece] = id
	}

	bos, eos, err := specialTokens(dir)
	if err != nil {
		return nil, err
	}
	if id, ok := index[bos]; ok && bos != "" {
		l.BOSID = id
	}
	if id, ok := index[eos]; ok && eos != "" {
		l.EOSID = id
	}
	return l, nil
}

// specialTokens reads bos_token and eos_token from tokenizer_config.json.
func specialTokens(dir string) (bos, eos string, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", nil
	} else if err != nil {
		return "", "", err
	}

	var p map[string]json.RawMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return "", "", fmt.Errorf("parse tokenizer_config.json: %w", err)
	}
	if raw, ok := p["bos_token"]; ok {
		bos = tokenContent(raw)
	}
	if raw, ok := p["eos_token"]; ok {
		eos = tokenContent(raw)
	}
	return bos, eos, nil
}

// tokenContent accepts either a bare string or an AddedToken object.
func tokenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}
