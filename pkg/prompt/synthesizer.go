package prompt

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/menta2k/image-semantics/pkg/tags"
	"github.com/menta2k/image-semantics/pkg/types"
)

// DefaultFallback is returned when no keyword survives filtering
const DefaultFallback = "person, indoor room"

// Config controls keyword filtering and ranking
type Config struct {
	// MaxKeywords caps the ranked list.
	MaxKeywords int
	// MinLength is the minimum keyword length in runes.
	MinLength int
	// RequireLetter drops keywords without any letter.
	RequireLetter bool
	// Fallback is returned by Synthesize when the ranked list is empty.
	Fallback string
}

// DefaultConfig returns the generation prompt settings: up to 8 keywords of
// at least 2 characters with at least one letter.
func DefaultConfig() Config {
	return Config{
		MaxKeywords:   8,
		MinLength:     2,
		RequireLetter: true,
		Fallback:      DefaultFallback,
	}
}

// ObjectConfig returns the settings of the object modifier pass: up to 6
// keywords of at least 3 characters, no letter check and no fallback.
func ObjectConfig() Config {
	return Config{
		MaxKeywords: 6,
		MinLength:   3,
	}
}

// Synthesizer builds comma-separated keyword prompts from tags
type Synthesizer struct {
	config Config
}

// New creates a synthesizer with the default configuration
func New() *Synthesizer {
	return &Synthesizer{config: DefaultConfig()}
}

// NewWithConfig creates a synthesizer with a custom configuration
func NewWithConfig(config Config) *Synthesizer {
	return &Synthesizer{config: config}
}

// Synthesize ranks every tag of the region map and joins the top keywords
func (s *Synthesizer) Synthesize(regions types.RegionMap) string {
	return s.SynthesizeFlat(regions.FlatTags())
}

// SynthesizeFlat is Synthesize over a flat tag list
func (s *Synthesizer) SynthesizeFlat(raw []string) string {
	ranked := s.Rank(raw)
	if len(ranked) == 0 {
		return s.config.Fallback
	}
	return strings.Join(ranked, ", ")
}

// Rank folds, filters and orders tags by occurrence count descending, ties
// alphabetically, and returns at most MaxKeywords of them.
func (s *Synthesizer) Rank(raw []string) []string {
	counts := make(map[string]int)
	for _, t := range raw {
		t = tags.Fold(t)
		if s.valid(t) {
			counts[t]++
		}
	}

	ranked := make([]string, 0, len(counts))
	for t := range counts {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		ci, cj := counts[ranked[i]], counts[ranked[j]]
		if ci != cj {
			return ci > cj
		}
		return ranked[i] < ranked[j]
	})

	if s.config.MaxKeywords > 0 && len(ranked) > s.config.MaxKeywords {
		ranked = ranked[:s.config.MaxKeywords]
	}
	return ranked
}

func (s *Synthesizer) valid(t string) bool {
	if t == "" || utf8.RuneCountInString(t) < s.config.MinLength {
		return false
	}
	if s.config.RequireLetter && strings.IndexFunc(t, unicode.IsLetter) < 0 {
		return false
	}
	return true
}

// Join concatenates keyword groups into one comma-separated prompt,
// skipping empty entries.
func Join(groups ...[]string) string {
	var parts []string
	for _, g := range groups {
		for _, k := range g {
			if k = strings.TrimSpace(k); k != "" {
				parts = append(parts, k)
			}
		}
	}
	return strings.Join(parts, ", ")
}
