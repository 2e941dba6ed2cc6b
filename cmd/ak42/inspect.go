package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/ak42/internal/checkpoint"
	"github.com/23skdu/ak42/internal/layout"
	"github.com/23skdu/ak42/internal/vocab"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <output_dir>",
		Short: "Describe the files written by a previous export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func inspect(w io.Writer, dir string) error {
	h, size, err := readCheckpoint(filepath.Join(dir, checkpoint.FileName))
	if err != nil {
		return err
	}
	maxLen, entries, err := readTokenizer(filepath.Join(dir, vocab.FileName))
	if err != nil {
		return err
	}

	want := checkpoint.HeaderSize + checkpoint.BodySize(h.Config, h.SharedOutput)
	c := h.Config
	renderTable(w, "Checkpoint", nil, [][]string{
		{"dim", strconv.Itoa(c.EmbeddingSize)},
		{"hidden_dim", strconv.Itoa(c.FFNHiddenSize)},
		{"n_layers", strconv.Itoa(c.Layers)},
		{"n_heads", strconv.Itoa(c.Heads)},
		{"n_query_groups", strconv.Itoa(c.QueryGroups)},
		{"vocab_size", strconv.Itoa(c.VocabSize)},
		{"max_seq_len", strconv.Itoa(c.MaxSeqLen)},
		{"shared_output", strconv.FormatBool(h.SharedOutput)},
		{"file_bytes", strconv.FormatInt(size, 10)},
		{"expected_bytes", strconv.FormatInt(want, 10)},
	})
	renderTable(w, "Tokenizer", nil, [][]string{
		{"entries", strconv.Itoa(len(entries))},
		{"max_word_length", strconv.Itoa(maxLen)},
	})

	if size != want {
		return fmt.Errorf("%s is %d bytes, header implies %d", checkpoint.FileName, size, want)
	}
	if len(entries) != c.VocabSize {
		return fmt.Errorf("%s has %d entries, header vocab_size is %d", vocab.FileName, len(entries), c.VocabSize)
	}

	entriesLayout, err := layout.Read(filepath.Join(dir, layout.FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	rows := make([][]string, 0, len(entriesLayout))
	for _, e := range entriesLayout {
		rows = append(rows, []string{
			strconv.Itoa(e.Index),
			e.Name,
			fmt.Sprint(e.Shape),
			strconv.FormatInt(e.Offset, 10),
			strconv.FormatInt(e.Bytes, 10),
			e.Transform,
		})
	}
	renderTable(w, "Layout", []string{"#", "TENSOR", "SHAPE", "OFFSET", "BYTES", "TRANSFORM"}, rows)
	return nil
}

func readCheckpoint(path string) (checkpoint.Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return checkpoint.Header{}, 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return checkpoint.Header{}, 0, err
	}
	h, err := checkpoint.ReadHeader(f)
	if err != nil {
		return checkpoint.Header{}, 0, fmt.Errorf("%s: %w", path, err)
	}
	return h, info.Size(), nil
}

func readTokenizer(path string) (int, []vocab.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	maxLen, entries, err := vocab.Read(f)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", path, err)
	}
	return maxLen, entries, nil
}

func renderTable(w io.Writer, title string, header []string, rows [][]string) {
	fmt.Fprintln(w, " ", title)
	table := tablewriter.NewWriter(w)
	if header != nil {
		table.SetHeader(header)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
	}
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}
