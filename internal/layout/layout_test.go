package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	entries := []Entry{
		{Index: 0, Name: "model.layers.0.input_layernorm.weight", Group: "attention_norm", Layer: 0, Offset: 256, Bytes: 32, Shape: []int{8}},
		{Index: 1, Name: "model.norm.weight", Group: "output_norm", Layer: -1, Offset: 288, Bytes: 32, Shape: []int{8}},
		{Index: 2, Name: "model.layers.0.self_attn.q_proj.weight", Group: "wq", Layer: 0, Offset: 320, Bytes: 256, Shape: []int{8, 8}, Transform: "unpermute"},
	}

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Write(path, entries))

	got, err := Read(path)
	require.NoError(t, err)
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
	require.EqualValues(t, 576, got[2].End())
}

func TestWriteEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Write(path, nil))

	got, err := Read(path)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("not arrow"), 0o644))

	_, err := Read(path)
	require.Error(t, err)

	_, err = Read(filepath.Join(t.TempDir(), "missing.arrow"))
	require.Error(t, err)
}
