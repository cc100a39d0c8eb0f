// Package caption turns region tags into one deterministic English sentence.
//
// The composer never names anything that is not a tag: the output vocabulary
// is the normalized tags plus a fixed set of templates and spatial phrases.
// Identical input always yields identical output.
package caption

import (
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/menta2k/image-semantics/pkg/tags"
	"github.com/menta2k/image-semantics/pkg/types"
)

// ErrEmptyInput is returned when there are no regions or no usable tags
var ErrEmptyInput = errors.New("caption: no region tags provided")

// Config tunes how many objects and spatial mentions a caption carries
type Config struct {
	MaxMainObjects     int
	MaxSpatialMentions int
	// MinRegionsForMain is the presence count a tag needs to be a main object candidate.
	MinRegionsForMain int
	PreferCenter      bool
}

// DefaultConfig returns three main objects, two spatial mentions and center preference
func DefaultConfig() Config {
	return Config{
		MaxMainObjects:     3,
		MaxSpatialMentions: 2,
		MinRegionsForMain:  1,
		PreferCenter:       true,
	}
}

// Region ids with a fixed reading order and spatial phrase
var (
	regionOrder = map[string]int{
		"upper-left":   0,
		"upper-center": 1,
		"upper-right":  2,
		"middle-left":  3,
		"center":       4,
		"middle-right": 5,
		"lower-left":   6,
		"lower-center": 7,
		"lower-right":  8,
	}

	regionPhrases = map[string]string{
		"upper-left":   "in the upper left",
		"upper-center": "in the upper center",
		"upper-right":  "in the upper right",
		"middle-left":  "on the left",
		"center":       "in the center",
		"middle-right": "on the right",
		"lower-left":   "in the lower left",
		"lower-center": "in the lower center",
		"lower-right":  "in the lower right",
	}

	centerRegions = map[string]bool{
		"center":       true,
		"upper-center": true,
		"lower-center": true,
		"middle-left":  true,
		"middle-right": true,
	}
)

// Composer builds captions
type Composer struct {
	config Config
}

// New creates a composer with the default configuration
func New() *Composer {
	return &Composer{config: DefaultConfig()}
}

// NewWithConfig creates a composer with a custom configuration
func NewWithConfig(config Config) *Composer {
	return &Composer{config: config}
}

// Compose builds one caption sentence from region tags
func (c *Composer) Compose(regions types.RegionMap) (string, error) {
	if len(regions) == 0 {
		return "", ErrEmptyInput
	}

	normalized := normalizeRegions(regions)
	all := uniqueTags(normalized)
	if len(all) == 0 {
		return "", ErrEmptyInput
	}

	presence := regionPresence(normalized)
	candidates := c.rankCandidates(normalized, presence)

	main := head(candidates, c.config.MaxMainObjects)
	if len(main) == 0 {
		main = head(all, c.config.MaxMainObjects)
	}

	mentions := c.spatialMentions(presence, append(append([]string(nil), main...), all...))
	return sentence(main, mentions), nil
}

// ComposeFlat builds a caption from tags without region information.
// There is no spatial clause.
func (c *Composer) ComposeFlat(raw []string) (string, error) {
	cleaned := tags.NormalizeAll(raw)
	if len(cleaned) == 0 {
		return "", ErrEmptyInput
	}
	main := head(tags.UniqueSorted(cleaned), c.config.MaxMainObjects)
	return sentence(main, nil), nil
}

// normalizeRegions normalizes, deduplicates and sorts the tags of every
// region, then orders regions by reading position. Unknown regions go last,
// ordered by id.
func normalizeRegions(regions types.RegionMap) types.RegionMap {
	out := make(types.RegionMap, len(regions))
	for i, rt := range regions {
		out[i] = types.RegionTag{
			Region: rt.Region,
			Tags:   tags.UniqueSorted(tags.NormalizeAll(rt.Tags)),
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := rank(out[i].Region), rank(out[j].Region)
		if oi != oj {
			return oi < oj
		}
		return out[i].Region < out[j].Region
	})
	return out
}

func rank(region string) int {
	if r, ok := regionOrder[region]; ok {
		return r
	}
	return len(regionOrder)
}

// regionPresence maps every tag to the set of regions it appears in
func regionPresence(regions types.RegionMap) map[string]map[string]struct{} {
	presence := make(map[string]map[string]struct{})
	for _, rt := range regions {
		for _, tag := range rt.Tags {
			if presence[tag] == nil {
				presence[tag] = make(map[string]struct{})
			}
			presence[tag][rt.Region] = struct{}{}
		}
	}
	return presence
}

func uniqueTags(regions types.RegionMap) []string {
	return tags.UniqueSorted(regions.FlatTags())
}

// rankCandidates orders tags by presence count descending, then by tag.
// With center preference, tags seen in a central region are moved to the
// front; the move is a stable partition so each group keeps that order.
func (c *Composer) rankCandidates(regions types.RegionMap, presence map[string]map[string]struct{}) []string {
	type counted struct {
		tag   string
		count int
	}
	counts := make([]counted, 0, len(presence))
	for tag, set := range presence {
		if len(set) >= c.config.MinRegionsForMain {
			counts = append(counts, counted{tag: tag, count: len(set)})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].tag < counts[j].tag
	})

	candidates := make([]string, len(counts))
	for i, ct := range counts {
		candidates[i] = ct.tag
	}
	if !c.config.PreferCenter {
		return candidates
	}

	central := make(map[string]bool)
	for _, rt := range regions {
		if centerRegions[rt.Region] {
			for _, tag := range rt.Tags {
				central[tag] = true
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return central[candidates[i]] && !central[candidates[j]]
	})
	return candidates
}

// spatialMentions walks candidates in order and emits "<article> <tag>
// <phrase>" for tags found in exactly one region that has a phrase.
func (c *Composer) spatialMentions(presence map[string]map[string]struct{}, candidates []string) []string {
	var mentions []string
	used := make(map[string]bool)
	for _, tag := range candidates {
		if len(mentions) >= c.config.MaxSpatialMentions {
			break
		}
		if used[tag] {
			continue
		}
		set := presence[tag]
		if len(set) != 1 {
			continue
		}
		var region string
		for r := range set {
			region = r
		}
		phrase, ok := regionPhrases[region]
		if !ok {
			continue
		}
		mentions = append(mentions, withArticle(tag)+" "+phrase)
		used[tag] = true
	}
	return mentions
}

func sentence(objects, mentions []string) string {
	var base string
	switch len(objects) {
	case 0:
		return "An image is shown."
	case 1:
		base = withArticle(objects[0]) + " appears in the image"
	default:
		list := append([]string{withArticle(objects[0])}, objects[1:]...)
		base = objectList(list) + " appear in the image"
	}

	if len(mentions) > 0 {
		base += ", with " + objectList(mentions)
	}
	return capitalize(strings.TrimSpace(base + "."))
}

// withArticle prefixes "an" for tags starting with a vowel letter, else "a"
func withArticle(noun string) string {
	n := strings.TrimSpace(noun)
	if n == "" {
		return "a " + noun
	}
	switch n[0] {
	case 'a', 'e', 'i', 'o', 'u':
		return "an " + n
	}
	return "a " + n
}

// objectList joins items as "x", "x and y" or "x, y, and z"
func objectList(items []string) string {
	xs := make([]string, 0, len(items))
	for _, it := range items {
		if it != "" {
			xs = append(xs, it)
		}
	}
	switch len(xs) {
	case 0:
		return ""
	case 1:
		return xs[0]
	case 2:
		return xs[0] + " and " + xs[1]
	}
	return strings.Join(xs[:len(xs)-1], ", ") + ", and " + xs[len(xs)-1]
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func head(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}
