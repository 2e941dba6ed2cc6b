// Package layout records where each weight block of a checkpoint lives and
// persists that record as an Arrow IPC file.
package layout

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/ak42/internal/atomicfile"
)

// FileName is the manifest written next to checkpoint_v1.bin.
const FileName = "checkpoint_v1.layout.arrow"

// Entry describes one block in the checkpoint body. Layer is -1 for
// model-level tensors.
type Entry struct {
	Index     int
	Name      string
	Group     string
	Layer     int
	Offset    int64
	Bytes     int64
	Shape     []int
	Transform string
}

func (e Entry) End() int64 {
	return e.Offset + e.Bytes
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "group", Type: arrow.BinaryTypes.String},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
	{Name: "bytes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "transform", Type: arrow.BinaryTypes.String},
}, nil)

// Write stores entries at path as a single-record Arrow IPC file.
func Write(path string, entries []Entry) error {
	mem := memory.NewGoAllocator()

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, e := range entries {
		b.Field(0).(*array.Int32Builder).Append(int32(e.Index))
		b.Field(1).(*array.StringBuilder).Append(e.Name)
		b.Field(2).(*array.StringBuilder).Append(e.Group)
		if e.Layer < 0 {
			b.Field(3).AppendNull()
		} else {
			b.Field(3).(*array.Int32Builder).Append(int32(e.Layer))
		}
		b.Field(4).(*array.Int64Builder).Append(e.Offset)
		b.Field(5).(*array.Int64Builder).Append(e.Bytes)

		lb := b.Field(6).(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Int64Builder)
		for _, d := range e.Shape {
			vb.Append(int64(d))
		}

		b.Field(7).(*array.StringBuilder).Append(e.Transform)
	}

	rec := b.NewRecord()
	defer rec.Release()

	f, err := atomicfile.Create(path)
	if err != nil {
		return err
	}
	defer f.Discard()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("layout writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write layout: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close layout: %w", err)
	}
	return f.Commit()
}

// Read loads a manifest written by Write.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open layout %s: %w", path, err)
	}
	defer r.Close()

	if !r.Schema().Equal(schema) {
		return nil, fmt.Errorf("layout %s: unexpected schema %s", path, r.Schema())
	}

	var entries []Entry
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read layout record %d: %w", i, err)
		}
		entries = append(entries, decode(rec)...)
	}
	return entries, nil
}

func decode(rec arrow.Record) []Entry {
	index := rec.Column(0).(*array.Int32)
	name := rec.Column(1).(*array.String)
	group := rec.Column(2).(*array.String)
	layer := rec.Column(3).(*array.Int32)
	offset := rec.Column(4).(*array.Int64)
	size := rec.Column(5).(*array.Int64)
	shape := rec.Column(6).(*array.List)
	dims := shape.ListValues().(*array.Int64)
	transform := rec.Column(7).(*array.String)

	out := make([]Entry, 0, rec.NumRows())
	for k := 0; k < int(rec.NumRows()); k++ {
		e := Entry{
			Index:     int(index.Value(k)),
			Name:      name.Value(k),
			Group:     group.Value(k),
			Layer:     -1,
			Offset:    offset.Value(k),
			Bytes:     size.Value(k),
			Transform: transform.Value(k),
		}
		if !layer.IsNull(k) {
			e.Layer = int(layer.Value(k))
		}
		start, end := shape.ValueOffsets(k)
		e.Shape = make([]int, 0, end-start)
		for j := start; j < end; j++ {
			e.Shape = append(e.Shape, int(dims.Value(int(j))))
		}
		out = append(out, e)
	}
	return out
}
