// Package atomicfile writes output files that only appear at their final path
// once fully written.
package atomicfile

import (
	"bufio"
	"fmt"

	"github.com/google/renameio/v2"
)

const bufferSize = 1 << 20

// File buffers writes into a pending temporary file.
type File struct {
	path    string
	pending *renameio.PendingFile
	w       *bufio.Writer
	done    bool
}

// Create opens a pending file that will replace path on Commit.
func Create(path string) (*File, error) {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &File{
		path:    path,
		pending: pending,
		w:       bufio.NewWriterSize(pending, bufferSize),
	}, nil
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.path, err)
	}
	return n, nil
}

// Commit flushes, syncs and renames the file into place.
func (f *File) Commit() error {
	if f.done {
		return fmt.Errorf("commit %s: file already closed", f.path)
	}
	f.done = true
	if err := f.w.Flush(); err != nil {
		_ = f.pending.Cleanup()
		return fmt.Errorf("flush %s: %w", f.path, err)
	}
	if err := f.pending.CloseAtomicallyReplace(); err != nil {
		_ = f.pending.Cleanup()
		return fmt.Errorf("commit %s: %w", f.path, err)
	}
	return nil
}

// Discard removes the pending file. It is a no-op after Commit, so it can be
// deferred unconditionally.
func (f *File) Discard() error {
	if f.done {
		return nil
	}
	f.done = true
	return f.pending.Cleanup()
}
