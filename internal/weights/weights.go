// Package weights loads the parameters of a Hugging Face model directory
// from safetensors or pickled PyTorch files.
package weights

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/23skdu/ak42/internal/logger"
	"github.com/23skdu/ak42/internal/tensor"
)

const (
	SafetensorsIndex = "model.safetensors.index.json"
	TorchIndex       = "pytorch_model.bin.index.json"
	TorchFile        = "pytorch_model.bin"
)

const (
	FormatSafetensors = "safetensors"
	FormatTorch       = "pytorch"
)

type file interface {
	names() []string
	tensor(name string) (*tensor.Tensor, error)
}

// Set is a tensor.Source over every weight file of a model directory.
// Tensors are decoded to float32 when requested.
type Set struct {
	Format string
	files  []file
	owner  map[string]file
	closer []func() error
}

// Open finds the weight files in dir. Safetensors take precedence over
// PyTorch pickles, and an index file takes precedence over a directory scan.
func Open(dir string) (*Set, error) {
	paths, err := safetensorsPaths(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		s := &Set{Format: FormatSafetensors}
		for _, p := range paths {
			st, err := openSafetensors(p)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			s.add(st)
			s.closer = append(s.closer, st.Close)
		}
		return s.index(dir)
	}

	paths, err = torchPaths(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		s := &Set{Format: FormatTorch}
		for _, p := range paths {
			tf, err := openTorch(p)
			if err != nil {
				return nil, err
			}
			s.add(tf)
		}
		return s.index(dir)
	}

	return nil, fmt.Errorf("%w in %s", ErrNoWeights, dir)
}

func (s *Set) add(f file) {
	s.files = append(s.files, f)
}

func (s *Set) index(dir string) (*Set, error) {
	s.owner = make(map[string]file)
	for _, f := range s.files {
		for _, name := range f.names() {
			if _, dup := s.owner[name]; dup {
				_ = s.Close()
				return nil, fmt.Errorf("tensor %s is stored in more than one file", name)
			}
			s.owner[name] = f
		}
	}
	logger.Log.Info("weights opened", "dir", dir, "format", s.Format, "files", len(s.files), "tensors", len(s.owner))
	return s, nil
}

// Tensor implements tensor.Source.
func (s *Set) Tensor(name string) (*tensor.Tensor, error) {
	f, ok := s.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tensor.ErrNotFound, name)
	}
	return f.tensor(name)
}

// Names lists every tensor in the set in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.owner))
	for name := range s.owner {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closer {
		errs = append(errs, c())
	}
	s.closer = nil
	return errors.Join(errs...)
}

type weightIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// indexedPaths returns the distinct files named by an index's weight_map,
// or nil when the index does not exist.
func indexedPaths(dir, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var idx weightIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	var paths []string
	for _, f := range idx.WeightMap {
		p := filepath.Join(dir, f)
		if !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func safetensorsPaths(dir string) ([]string, error) {
	paths, err := indexedPaths(dir, SafetensorsIndex)
	if err != nil || paths != nil {
		return paths, err
	}
	paths, err = filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func torchPaths(dir string) ([]string, error) {
	paths, err := indexedPaths(dir, TorchIndex)
	if err != nil || paths != nil {
		return paths, err
	}
	p := filepath.Join(dir, TorchFile)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return []string{p}, nil
}
