// Package vocab loads label dictionaries: a JSON array of label strings
// paired with a float32 .npy matrix holding one embedding row per label.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/image-semantics/pkg/tagger"
)

// Source locates the files of one vocabulary
type Source struct {
	Labels     string `yaml:"labels"`
	Embeddings string `yaml:"embeddings"`
}

// LoadLabels reads a JSON string array
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", path, err)
	}
	return labels, nil
}

// Load reads the labels and embedding rows of a vocabulary. Count checks are
// left to tagger.Load so a mismatch surfaces as tagger.ErrDimensionMismatch.
func Load(src Source) ([]string, [][]float32, error) {
	labels, err := LoadLabels(src.Labels)
	if err != nil {
		return nil, nil, err
	}
	m, err := LoadNpy(src.Embeddings)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", src.Embeddings, err)
	}
	rows, err := m.Rows()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", src.Embeddings, err)
	}
	return labels, rows, nil
}

// Loader adapts a set of sources to tagger.LoaderFunc
func Loader(sources map[tagger.Kind]Source) tagger.LoaderFunc {
	return func(kind tagger.Kind) ([]string, [][]float32, error) {
		src, ok := sources[kind]
		if !ok {
			return nil, nil, fmt.Errorf("no %s vocabulary configured", kind)
		}
		return Load(src)
	}
}

// SaveLabels writes labels as an indented JSON array
func SaveLabels(path string, labels []string) error {
	data, err := json.MarshalIndent(labels, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	return nil
}

// SaveNpy writes embedding rows to path
func SaveNpy(path string, rows [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create embeddings file: %w", err)
	}
	if err := WriteNpy(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write embeddings: %w", err)
	}
	return f.Close()
}
