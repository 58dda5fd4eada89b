package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "gmail", 5},
		{"gmail", "gmail", 0},
		{"gmail", "gmial", 1},
		{"calendar", "calender", 1},
		{"kitten", "sitting", 3},
		{"café", "cafe", 1},
		{"ab", "ba", 1},
		{"recruiter", "recuriter", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b), "%q -> %q", tt.a, tt.b)
		assert.Equal(t, tt.want, editDistance(tt.b, tt.a), "%q -> %q (reversed)", tt.b, tt.a)
	}
}

func TestCorrect(t *testing.T) {
	vocab := map[string]int{"gmail": 3, "recruiters": 1, "calendar": 2, "mail": 5, "checks": 2}

	c := Correct(vocab, "checks Gmial", 0)
	assert.True(t, c.Changed())
	assert.Equal(t, "checks gmail", c.Corrected)
	assert.Equal(t, map[string]string{"gmial": "gmail"}, c.Replaced)

	c = Correct(vocab, "checks gmail", 0)
	assert.False(t, c.Changed())
	assert.Equal(t, "checks gmail", c.Corrected)

	// Short terms are never corrected.
	c = Correct(vocab, "ml", 0)
	assert.False(t, c.Changed())

	c = Correct(vocab, "spreadsheet", 0)
	assert.False(t, c.Changed())
}

func TestCorrect_PrefersFrequentTerm(t *testing.T) {
	vocab := map[string]int{"cart": 1, "card": 4}
	c := Correct(vocab, "carx", 1)
	assert.Equal(t, "card", c.Corrected)

	vocab = map[string]int{"cart": 2, "card": 2}
	assert.Equal(t, "card", Correct(vocab, "carx", 1).Corrected)
}

func TestSearchCorrected(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.AddMany([]Entry{
				{ID: "1", Text: "The user repeatedly checks Gmail for replies from recruiters"},
				{ID: "2", Text: "The user edits a slide deck about quarterly planning"},
			}))

			hits, c, err := SearchCorrected(idx, "gmial recuriters", 3)
			require.NoError(t, err)
			assert.True(t, c.Changed())
			require.NotEmpty(t, hits)
			assert.Equal(t, "1", hits[0].ID)

			hits, c, err = SearchCorrected(idx, "quarterly planning", 3)
			require.NoError(t, err)
			assert.False(t, c.Changed())
			require.NotEmpty(t, hits)
			assert.Equal(t, "2", hits[0].ID)
		})
	}
}
