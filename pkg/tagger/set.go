package tagger

import (
	"fmt"
	"sync"
)

// Kind names one of the label vocabularies
type Kind string

const (
	// KindObject is the general object/tag vocabulary used per region.
	KindObject Kind = "object"
	// KindCaption is the caption-context phrase vocabulary.
	KindCaption Kind = "caption"
	// KindStyle is the visual style vocabulary.
	KindStyle Kind = "style"
)

// Kinds lists every vocabulary in load order
var Kinds = []Kind{KindObject, KindCaption, KindStyle}

// LoaderFunc supplies the parsed label/vector pairs of a vocabulary
type LoaderFunc func(kind Kind) (labels []string, vectors [][]float32, err error)

// Set owns the object, caption and style taggers. Each tagger is built at
// most once, on first use; concurrent callers wait for that single build. A
// failed build is remembered and returned on every later use.
type Set struct {
	builds map[Kind]func() (*Tagger, error)
}

// NewSet creates a set whose taggers are built lazily through loader
func NewSet(loader LoaderFunc) *Set {
	s := &Set{builds: make(map[Kind]func() (*Tagger, error), len(Kinds))}
	for _, kind := range Kinds {
		s.builds[kind] = sync.OnceValues(func() (*Tagger, error) {
			labels, vectors, err := loader(kind)
			if err != nil {
				return nil, fmt.Errorf("load %s vocabulary: %w", kind, err)
			}
			t, err := Load(labels, vectors)
			if err != nil {
				return nil, fmt.Errorf("build %s index: %w", kind, err)
			}
			return t, nil
		})
	}
	return s
}

// NewStaticSet wraps already built taggers
func NewStaticSet(object, caption, style *Tagger) *Set {
	byKind := map[Kind]*Tagger{KindObject: object, KindCaption: caption, KindStyle: style}
	return NewSet(func(kind Kind) ([]string, [][]float32, error) {
		t := byKind[kind]
		if t == nil {
			return nil, nil, ErrEmptyIndex
		}
		return t.labels, t.vectors, nil
	})
}

// Get returns the tagger of kind, building it on first use
func (s *Set) Get(kind Kind) (*Tagger, error) {
	build, ok := s.builds[kind]
	if !ok {
		return nil, fmt.Errorf("tagger: unknown vocabulary %q", kind)
	}
	return build()
}

// LoadAll builds every tagger and returns the first failure
func (s *Set) LoadAll() error {
	for _, kind := range Kinds {
		if _, err := s.Get(kind); err != nil {
			return err
		}
	}
	return nil
}

// Querier returns a Querier that resolves the tagger of kind on each call
func (s *Set) Querier(kind Kind) Querier {
	return lazyQuerier{set: s, kind: kind}
}

type lazyQuerier struct {
	set  *Set
	kind Kind
}

func (q lazyQuerier) TopK(query []float32, k int) ([]string, error) {
	t, err := q.set.Get(q.kind)
	if err != nil {
		return nil, err
	}
	return t.TopK(query, k)
}
