package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/ak42/internal/checkpoint"
	"github.com/23skdu/ak42/internal/config"
	"github.com/23skdu/ak42/internal/layout"
	"github.com/23skdu/ak42/internal/metrics"
	"github.com/23skdu/ak42/internal/vocab"
)

var tinyConfig = config.ModelConfig{
	EmbeddingSize: 8,
	FFNHiddenSize: 16,
	Layers:        1,
	Heads:         2,
	QueryGroups:   2,
	VocabSize:     4,
	MaxSeqLen:     32,
}

type modelDir struct {
	config    map[string]any
	shapes    map[string][]int
	tokenizer string
}

func newModelDir() *modelDir {
	m := &modelDir{
		config: map[string]any{
			"model_type":              "llama",
			"architectures":           []string{"LlamaForCausalLM"},
			"hidden_size":             tinyConfig.EmbeddingSize,
			"intermediate_size":       tinyConfig.FFNHiddenSize,
			"num_hidden_layers":       tinyConfig.Layers,
			"num_attention_heads":     tinyConfig.Heads,
			"num_key_value_heads":     tinyConfig.QueryGroups,
			"vocab_size":              tinyConfig.VocabSize,
			"max_position_embeddings": tinyConfig.MaxSeqLen,
			"rope_theta":              10000.0,
			"bos_token_id":            1,
			"eos_token_id":            2,
		},
		shapes:    make(map[string][]int),
		tokenizer: `{"model": {"type": "BPE", "vocab": {"<unk>": 0, "<s>": 1, "</s>": 2, "▁hi": 3}}}`,
	}
	for _, b := range checkpoint.Plan(tinyConfig, false) {
		m.shapes[b.Name] = b.Shape
	}
	return m
}

func (m *modelDir) write(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg, err := json.Marshal(m.config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(m.tokenizer), 0o644))

	header := map[string]any{}
	var body bytes.Buffer
	seed := float32(0)
	for name, shape := range m.shapes {
		n := 1
		for _, d := range shape {
			n *= d
		}
		begin := body.Len()
		for range n {
			seed++
			binary.Write(&body, binary.LittleEndian, seed)
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        shape,
			"data_offsets": []int{begin, body.Len()},
		}
	}
	hdr, err := json.Marshal(header)
	require.NoError(t, err)

	var st bytes.Buffer
	binary.Write(&st, binary.LittleEndian, uint64(len(hdr)))
	st.Write(hdr)
	st.Write(body.Bytes())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), st.Bytes(), 0o644))
	return dir
}

func TestConvert(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		in := newModelDir().write(t)
		out := filepath.Join(t.TempDir(), "out")

		rep, err := Convert(context.Background(), Options{
			InputDir:   in,
			OutputDir:  out,
			Layout:     true,
			Sequential: sequential,
		})
		require.NoError(t, err)
		assert.Equal(t, tinyConfig, rep.Config)
		assert.Equal(t, "safetensors", rep.WeightFormat)
		assert.Equal(t, "tokenizer.json", rep.TokenizerFormat)
		assert.False(t, rep.Checkpoint.Header.SharedOutput)

		data, err := os.ReadFile(filepath.Join(out, checkpoint.FileName))
		require.NoError(t, err)
		assert.EqualValues(t, checkpoint.HeaderSize+checkpoint.BodySize(tinyConfig, false), len(data))

		h, err := checkpoint.ReadHeader(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, tinyConfig, h.Config)

		f, err := os.Open(filepath.Join(out, vocab.FileName))
		require.NoError(t, err)
		maxLen, entries, err := vocab.Read(f)
		f.Close()
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, len(vocab.EOSText), maxLen)
		assert.Equal(t, []byte(vocab.BOSText), entries[1].Text)
		assert.Equal(t, []byte(" hi"), entries[3].Text)

		lay, err := layout.Read(rep.LayoutPath)
		require.NoError(t, err)
		assert.Len(t, lay, len(checkpoint.Plan(tinyConfig, false)))
		assert.EqualValues(t, len(data), lay[len(lay)-1].End())
	}
}

func TestConvertTiedEmbeddings(t *testing.T) {
	m := newModelDir()
	delete(m.shapes, checkpoint.OutputName)
	m.config["tie_word_embeddings"] = true
	in := m.write(t)
	out := t.TempDir()

	rep, err := Convert(context.Background(), Options{InputDir: in, OutputDir: out})
	require.NoError(t, err)
	assert.True(t, rep.Checkpoint.Header.SharedOutput)
	assert.False(t, rep.TiedMismatch)
	assert.Empty(t, rep.LayoutPath)

	info, err := os.Stat(filepath.Join(out, checkpoint.FileName))
	require.NoError(t, err)
	assert.EqualValues(t, checkpoint.HeaderSize+checkpoint.BodySize(tinyConfig, true), info.Size())

	_, err = os.Stat(filepath.Join(out, layout.FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestConvertPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"model type", "model_type", "mistral"},
		{"rope theta", "rope_theta", 500000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModelDir()
			m.config[tt.key] = tt.value
			in := m.write(t)
			out := filepath.Join(t.TempDir(), "out")

			before := testutil.ToFloat64(metrics.ValidationErrors.WithLabelValues("config_mismatch"))
			_, err := Convert(context.Background(), Options{InputDir: in, OutputDir: out})
			require.ErrorIs(t, err, ErrConfigMismatch)
			assert.Contains(t, err.Error(), tt.key)

			_, statErr := os.Stat(out)
			assert.True(t, os.IsNotExist(statErr), "output directory must not be created")
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.ValidationErrors.WithLabelValues("config_mismatch")))
		})
	}
}

func TestConvertVocabSizeMismatch(t *testing.T) {
	m := newModelDir()
	m.tokenizer = `{"model": {"type": "BPE", "vocab": {"<unk>": 0, "<s>": 1, "</s>": 2}}}`
	in := m.write(t)
	out := filepath.Join(t.TempDir(), "out")

	_, err := Convert(context.Background(), Options{InputDir: in, OutputDir: out})
	require.ErrorIs(t, err, ErrVocabSizeMismatch)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConvertShapeMismatch(t *testing.T) {
	m := newModelDir()
	m.shapes[checkpoint.LayerName(0, "mlp.up_proj.weight")] = []int{8, 8}
	in := m.write(t)
	out := t.TempDir()

	_, err := Convert(context.Background(), Options{InputDir: in, OutputDir: out, Sequential: true})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, statErr := os.Stat(filepath.Join(out, checkpoint.FileName))
	assert.True(t, os.IsNotExist(statErr), "no partial checkpoint")
}

func TestConvertShapeMismatchConcurrent(t *testing.T) {
	m := newModelDir()
	down := checkpoint.LayerName(0, "mlp.down_proj.weight")
	m.shapes[down] = []int{tinyConfig.FFNHiddenSize, tinyConfig.EmbeddingSize}
	in := m.write(t)
	out := t.TempDir()

	_, err := Convert(context.Background(), Options{InputDir: in, OutputDir: out})
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), down)

	_, statErr := os.Stat(filepath.Join(out, checkpoint.FileName))
	assert.True(t, os.IsNotExist(statErr), "no partial checkpoint")

	// The tokenizer does not depend on the weights and is committed whole.
	f, err := os.Open(filepath.Join(out, vocab.FileName))
	require.NoError(t, err)
	defer f.Close()
	_, entries, err := vocab.Read(f)
	require.NoError(t, err)
	assert.Len(t, entries, tinyConfig.VocabSize)
}

func TestConvertTiedFlagDisagreesWithWeights(t *testing.T) {
	m := newModelDir()
	m.config["tie_word_embeddings"] = true
	in := m.write(t)

	rep, err := Convert(context.Background(), Options{InputDir: in, OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, rep.Checkpoint.Header.SharedOutput)
	assert.True(t, rep.TiedMismatch)
}

func TestConvertMissingTensor(t *testing.T) {
	m := newModelDir()
	delete(m.shapes, checkpoint.OutputNormName)
	in := m.write(t)

	_, err := Convert(context.Background(), Options{InputDir: in, OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, "missing_tensor", kind(err))
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, Options{OutputDir: "x"}.Validate())
	assert.Error(t, Options{InputDir: "x"}.Validate())
	assert.NoError(t, Options{InputDir: "x", OutputDir: "y"}.Validate())
}
