package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/models"
)

func fixture(t *testing.T) *collection.Collection {
	t.Helper()
	c := collection.New()
	for _, it := range []*models.Item{
		{ID: "1", Description: "Checks Gmail at 9am", Evidence: models.Evidence{"opened inbox"}},
		{ID: "2", Description: "Archives newsletters"},
		{ID: "c-0", Theme: "Email", Description: "Keeps the inbox <small>", Evidence: models.Evidence{"checks and archives"},
			Merged: []string{"1", "2"}, Level: 1, Scores: models.Scores{Cohesion: 8}},
		{ID: "c-1", Theme: "Work", Description: "Front-loads communication", Merged: []string{"c-0", "9"}, Level: 2,
			Scores: models.Scores{Interestingness: 1}, Reason: "specific"},
	} {
		require.NoError(t, c.Add(it))
	}
	return c
}

func TestInsights_Order(t *testing.T) {
	c := fixture(t)
	got := Insights(c, Options{})
	require.Len(t, got, 2)
	assert.Equal(t, "c-1", got[0].ID)
	assert.Equal(t, "c-0", got[1].ID)

	assert.Len(t, Insights(c, Options{MinLevel: 2}), 1)
	only := Insights(c, Options{InterestingOnly: true})
	require.Len(t, only, 1)
	assert.Equal(t, "c-1", only[0].ID)
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMarkdown(&buf, fixture(t), Options{Title: "Session 3"}))
	md := buf.String()

	assert.True(t, strings.HasPrefix(md, "# Session 3\n"))
	assert.Contains(t, md, "2 insights over 2 observations.")
	assert.Contains(t, md, "## Email: Keeps the inbox <small>")
	assert.Contains(t, md, "- `1` Checks Gmail at 9am")
	assert.Contains(t, md, "- `9`\n", "unknown members are listed by id")
	assert.Contains(t, md, "> specific")
	assert.Less(t, strings.Index(md, "## Work"), strings.Index(md, "## Email"))
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, fixture(t), Options{Title: "A & B"}))
	out := buf.String()
	assert.Contains(t, out, "<title>A &amp; B</title>")
	assert.Contains(t, out, "<h2>Work: Front-loads communication</h2>")
	assert.Contains(t, out, "<code>c-0</code>")
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, fixture(t)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(itemsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "c-0", rows[3][0])
	assert.Equal(t, "1", rows[3][1])
	assert.Equal(t, "1, 2", rows[3][5])
}
