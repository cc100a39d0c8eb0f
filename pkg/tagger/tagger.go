// Package tagger holds a fixed set of (label, embedding) pairs and answers
// nearest-label queries by cosine similarity.
//
// A Tagger is immutable after Load returns, so any number of goroutines may
// query the same instance without coordination.
package tagger

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Epsilon keeps the cosine denominator away from zero
const Epsilon = 1e-6

var (
	// ErrDimensionMismatch is returned when label and vector counts differ, or vectors disagree on length.
	ErrDimensionMismatch = errors.New("tagger: dimension mismatch")
	// ErrEmptyIndex is returned when loading nothing, or querying an index that failed to load.
	ErrEmptyIndex = errors.New("tagger: empty index")
	// ErrQueryDimensionMismatch is returned when a query vector's length differs from the index dimension.
	ErrQueryDimensionMismatch = errors.New("tagger: query dimension mismatch")
	// ErrInvalidTopK is returned for k < 1.
	ErrInvalidTopK = errors.New("tagger: k must be at least 1")
)

// Querier answers top-K label queries
type Querier interface {
	TopK(query []float32, k int) ([]string, error)
}

// Tagger is a brute-force cosine similarity index over label embeddings
type Tagger struct {
	labels  []string
	vectors [][]float32
	norms   []float64
	dim     int
}

// Match is a scored label
type Match struct {
	Label string
	Score float64
}

// Load builds a tagger from parallel label and vector slices.
//
// When a label occurs more than once the first occurrence wins and later
// ones are skipped, so load order fully determines the index content.
func Load(labels []string, vectors [][]float32) (*Tagger, error) {
	if len(labels) == 0 || len(vectors) == 0 {
		return nil, fmt.Errorf("%w: %d labels, %d vectors", ErrEmptyIndex, len(labels), len(vectors))
	}
	if len(labels) != len(vectors) {
		return nil, fmt.Errorf("%w: %d labels, %d vectors", ErrDimensionMismatch, len(labels), len(vectors))
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vectors", ErrEmptyIndex)
	}

	t := &Tagger{
		labels:  make([]string, 0, len(labels)),
		vectors: make([][]float32, 0, len(vectors)),
		norms:   make([]float64, 0, len(vectors)),
		dim:     dim,
	}
	seen := make(map[string]struct{}, len(labels))
	for i, label := range labels {
		v := vectors[i]
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}

		cp := make([]float32, dim)
		copy(cp, v)
		t.labels = append(t.labels, label)
		t.vectors = append(t.vectors, cp)
		t.norms = append(t.norms, l2norm(cp))
	}

	return t, nil
}

// Dimension returns the vector length shared by every entry
func (t *Tagger) Dimension() int {
	return t.dim
}

// Len returns the number of distinct labels
func (t *Tagger) Len() int {
	return len(t.labels)
}

// Labels returns the labels in load order
func (t *Tagger) Labels() []string {
	return append([]string(nil), t.labels...)
}

// TopK returns the k labels most similar to query, best first.
// Fewer than k labels are returned only when the index holds fewer.
func (t *Tagger) TopK(query []float32, k int) ([]string, error) {
	matches, err := t.Search(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Label
	}
	return out, nil
}

// Search is TopK with scores. Equal scores keep load order.
func (t *Tagger) Search(query []float32, k int) ([]Match, error) {
	if t == nil || len(t.labels) == 0 {
		return nil, ErrEmptyIndex
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, k)
	}
	if len(query) != t.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrQueryDimensionMismatch, len(query), t.dim)
	}

	normQ := l2norm(query)
	scored := make([]Match, len(t.labels))
	for i, v := range t.vectors {
		scored[i] = Match{
			Label: t.labels[i],
			Score: dot(query, v) / (normQ*t.norms[i] + Epsilon),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Score returns the cosine similarity between query and the vector of label
func (t *Tagger) Score(query []float32, label string) (float64, bool) {
	if t == nil || len(t.labels) == 0 || len(query) != t.dim {
		return 0, false
	}
	for i, l := range t.labels {
		if l == label {
			return dot(query, t.vectors[i]) / (l2norm(query)*t.norms[i] + Epsilon), true
		}
	}
	return 0, false
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
