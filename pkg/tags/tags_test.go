package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Dog_Park-big", "dog park big"},
		{"  ", ""},
		{"", ""},
		{"  Cat  ", "cat"},
		{"traffic_-light", "traffic light"},
		{"a__b", "a b"},
		{"a___b", "a  b"},
		{"Red-Panda\n", "red panda"},
		{"ALREADY clean", "already clean"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIsIdempotentForCleanTags(t *testing.T) {
	for _, tag := range []string{"cat", "dog park", "traffic light"} {
		assert.Equal(t, tag, Normalize(Normalize(tag)))
	}
}

func TestNormalizeAllDropsEmptyKeepsMultiplicity(t *testing.T) {
	got := NormalizeAll([]string{"Cat", " ", "cat", "Big_Dog", ""})
	assert.Equal(t, []string{"cat", "cat", "big dog"}, got)
}

func TestUniqueSorted(t *testing.T) {
	got := UniqueSorted([]string{"table", "cat", "table", "chair", "cat"})
	assert.Equal(t, []string{"cat", "chair", "table"}, got)

	assert.Empty(t, UniqueSorted(nil))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "big_dog", Fold("  Big_Dog "))
}
