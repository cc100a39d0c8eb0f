// Package tags canonicalizes raw tag strings produced by the label index.
//
// Normalization never changes what a tag means: there is no stemming and no
// synonym mapping, only whitespace, separator and case folding. Downstream
// captions rely on tags being exactly what the index produced.
package tags

import (
	"sort"
	"strings"
)

// Normalize trims a tag, folds "_" and "-" into spaces, collapses double
// spaces in a single pass and lowercases the result. A blank tag yields "".
//
// The double-space fold is intentionally a single non-overlapping replace:
// a run of three spaces becomes two.
func Normalize(tag string) string {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return ""
	}
	s := strings.ReplaceAll(trimmed, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "  ", " ")
	return strings.ToLower(s)
}

// NormalizeAll normalizes every tag and drops the ones that end up empty.
// Order and multiplicity are preserved.
func NormalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if n := Normalize(t); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// UniqueSorted deduplicates tags into a set and returns them in ascending
// lexicographic order. Insertion order is deliberately discarded.
func UniqueSorted(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, t := range in {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Fold lowercases and trims a tag without touching separators. Keyword
// ranking uses this lighter form.
func Fold(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
