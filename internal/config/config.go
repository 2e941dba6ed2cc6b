package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

const (
	// SupportedArchitecture is the only model_type the exporter accepts.
	SupportedArchitecture = "llama"
	// SupportedRopeTheta is the only rotary frequency base the runtime implements.
	SupportedRopeTheta = 10000.0
)

var ErrConfigMismatch = errors.New("unsupported model configuration")

// MismatchError names the precondition a source model failed.
type MismatchError struct {
	Field string
	Got   string
	Want  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("unsupported %s %s (expected %s)", e.Field, e.Got, e.Want)
}

func (e *MismatchError) Unwrap() error {
	return ErrConfigMismatch
}

// ModelConfig holds the seven dimensions recorded in the checkpoint header.
type ModelConfig struct {
	EmbeddingSize int
	FFNHiddenSize int
	Layers        int
	Heads         int
	QueryGroups   int
	VocabSize     int
	MaxSeqLen     int
}

func (c *ModelConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"embedding_size", c.EmbeddingSize},
		{"ffn_hidden_size", c.FFNHiddenSize},
		{"n_layers", c.Layers},
		{"n_attention_heads", c.Heads},
		{"n_attention_query_groups", c.QueryGroups},
		{"vocab_size", c.VocabSize},
		{"max_sequence_length", c.MaxSeqLen},
	} {
		if f.v <= 0 {
			return fmt.Errorf("invalid %s: %d (must be positive)", f.name, f.v)
		}
		if f.v > math.MaxInt32 {
			return fmt.Errorf("invalid %s: %d (exceeds int32)", f.name, f.v)
		}
	}
	if c.QueryGroups > c.Heads {
		return fmt.Errorf("invalid n_attention_query_groups: %d (must be <= heads: %d)", c.QueryGroups, c.Heads)
	}
	if c.Heads%c.QueryGroups != 0 {
		return fmt.Errorf("heads mismatch: %d not divisible by query groups %d", c.Heads, c.QueryGroups)
	}
	if c.EmbeddingSize%c.Heads != 0 {
		return fmt.Errorf("dim mismatch: embedding_size %d not divisible by heads %d", c.EmbeddingSize, c.Heads)
	}
	return nil
}

// HeadDim is the per-head width of the query projection.
func (c *ModelConfig) HeadDim() int {
	return c.EmbeddingSize / c.Heads
}

// GroupedQuery reports whether keys use fewer heads than queries.
func (c *ModelConfig) GroupedQuery() bool {
	return c.Heads != c.QueryGroups
}

// KeyRows is the row count of a key projection matrix.
func (c *ModelConfig) KeyRows() int {
	return c.HeadDim() * c.QueryGroups
}

// Source mirrors the fields of a Hugging Face config.json the exporter reads.
type Source struct {
	ModelType         string   `json:"model_type"`
	Architectures     []string `json:"architectures"`
	HiddenSize        int      `json:"hidden_size"`
	IntermediateSize  int      `json:"intermediate_size"`
	NumHiddenLayers   int      `json:"num_hidden_layers"`
	NumAttentionHeads int      `json:"num_attention_heads"`
	NumKeyValueHeads  int      `json:"num_key_value_heads"`
	VocabSize         int      `json:"vocab_size"`
	MaxPositions      int      `json:"max_position_embeddings"`
	RopeTheta         *float64 `json:"rope_theta"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
	BOSTokenID        *int     `json:"bos_token_id"`
	EOSTokenID        *int     `json:"eos_token_id"`
}

// Load reads and decodes a config.json.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Source, error) {
	var s Source
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &s, nil
}

// Rope returns the rotary frequency base, defaulting as llama configs do.
func (s *Source) Rope() float64 {
	if s.RopeTheta == nil {
		return SupportedRopeTheta
	}
	return *s.RopeTheta
}

// CheckPreconditions rejects sources the runtime cannot execute.
func (s *Source) CheckPreconditions() error {
	if s.ModelType != SupportedArchitecture {
		return &MismatchError{
			Field: "model_type",
			Got:   fmt.Sprintf("%q", s.ModelType),
			Want:  fmt.Sprintf("%q", SupportedArchitecture),
		}
	}
	if rope := s.Rope(); rope != SupportedRopeTheta {
		return &MismatchError{
			Field: "rope_theta",
			Got:   fmt.Sprintf("%g", rope),
			Want:  fmt.Sprintf("%g", SupportedRopeTheta),
		}
	}
	return nil
}

// ModelConfig projects the source onto the checkpoint header fields.
func (s *Source) ModelConfig() (ModelConfig, error) {
	groups := s.NumKeyValueHeads
	if groups == 0 {
		groups = s.NumAttentionHeads
	}

	c := ModelConfig{
		EmbeddingSize: s.HiddenSize,
		FFNHiddenSize: s.IntermediateSize,
		Layers:        s.NumHiddenLayers,
		Heads:         s.NumAttentionHeads,
		QueryGroups:   groups,
		VocabSize:     s.VocabSize,
		MaxSeqLen:     s.MaxPositions,
	}
	if err := c.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return c, nil
}
