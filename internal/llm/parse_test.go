package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

type relationReply struct {
	Relations struct {
		Source  FlexID  `json:"source"`
		Score   FlexInt `json:"score"`
		Targets FlexIDs `json:"targets"`
	} `json:"relations"`
}

func TestParseJSON_Lenient(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain", `{"relations": {"source": 3, "score": 8, "targets": [1, "2"]}}`},
		{"fenced", "```json\n{\"relations\": {\"source\": \"3\", \"score\": \"8\", \"targets\": [1, 2]}}\n```"},
		{"prose around", "Sure, here you go:\n{\"relations\": {\"source\": 3, \"score\": 8, \"targets\": [1, 2]}}\nHope that helps."},
		{"trailing commas and comments", "{\n  \"relations\": {\n    \"source\": 3, // the new one\n    \"score\": 8,\n    \"targets\": [1, 2,],\n  },\n}"},
		{"smart quotes", `{“relations”: {“source”: 3, “score”: 8, “targets”: [1, 2]}}`},
		{"fractional score", `{"relations": {"source": 3, "score": 7.6, "targets": ["ID: 1", 2]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON[relationReply](tt.raw)
			require.NoError(t, err)
			assert.Equal(t, FlexID("3"), got.Relations.Source)
			assert.Equal(t, FlexInt(8), got.Relations.Score)
			assert.Equal(t, FlexIDs{"1", "2"}, got.Relations.Targets)
		})
	}
}

func TestParseJSON_KeepsSlashesAndQuotesInStrings(t *testing.T) {
	type reply struct {
		Text string `json:"text"`
	}
	got, err := ParseJSON[reply](`{"text": "see https://example.com, she said “hi”,"}`)
	require.NoError(t, err)
	assert.Equal(t, "see https://example.com, she said “hi”,", got.Text)
}

func TestParseJSON_Array(t *testing.T) {
	got, err := ParseJSON[[]FlexID](`ids: [4, "c-2"]`)
	require.NoError(t, err)
	assert.Equal(t, []FlexID{"4", "c-2"}, got)
}

func TestParseJSON_Failures(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"relations": `, `{"relations": {"score": "high"}}`} {
		_, err := ParseJSON[relationReply](raw)
		require.Error(t, err, raw)
		assert.True(t, matomeerrors.Is(err, matomeerrors.ErrParse), raw)
	}
}

func TestFlexIDs_SingleAndNull(t *testing.T) {
	type reply struct {
		IDs FlexIDs `json:"ids"`
	}
	got, err := ParseJSON[reply](`{"ids": 7}`)
	require.NoError(t, err)
	assert.Equal(t, FlexIDs{"7"}, got.IDs)

	got, err = ParseJSON[reply](`{"ids": null}`)
	require.NoError(t, err)
	assert.Empty(t, got.IDs)
}

func TestFlexBool(t *testing.T) {
	type reply struct {
		Judgement FlexBool `json:"judgement"`
	}
	for raw, want := range map[string]bool{
		`{"judgement": true}`:  true,
		`{"judgement": 1}`:     true,
		`{"judgement": "Yes"}`: true,
		`{"judgement": 0}`:     false,
		`{"judgement": "no"}`:  false,
		`{"judgement": null}`:  false,
	} {
		got, err := ParseJSON[reply](raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, bool(got.Judgement), raw)
	}
	_, err := ParseJSON[reply](`{"judgement": "maybe"}`)
	require.Error(t, err)
}
