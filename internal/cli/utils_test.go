package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/matome/internal/cluster"
	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

func testCollection(t *testing.T) *collection.Collection {
	t.Helper()
	c := collection.New()
	for _, it := range []*models.Item{
		{ID: "0", Description: "Checks Gmail at 9am", Evidence: models.Evidence{"opened inbox"}},
		{ID: "c-0", Theme: "Email", Description: "Keeps the inbox clean", Merged: []string{"0"}, Level: 1},
	} {
		if err := c.Add(it); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != OutputJSON {
		t.Error("json is case-insensitive")
	}
	if ParseFormat("yaml") != OutputText {
		t.Error("unknown formats are text")
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	hits := []lexical.Hit{{ID: "0", Score: 1.5}, {ID: "gone", Score: 0.2}}
	if err := WriteSearchResults(&buf, "gmail", hits, testCollection(t), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var out struct {
		Query string `json:"query"`
		Hits  []Hit  `json:"hits"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out.Query != "gmail" || len(out.Hits) != 2 {
		t.Fatalf("got %+v", out)
	}
	if out.Hits[0].Item == nil || out.Hits[1].Item != nil {
		t.Errorf("items resolved wrongly: %+v", out.Hits)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "inbox", []lexical.Hit{{ID: "c-0", Score: 2}}, testCollection(t), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`Found 1 results for "inbox"`, "Rank: 1 | Score: 2.0000 | ID: c-0", "Email: Keeps the inbox clean"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteItem(t *testing.T) {
	it, _ := testCollection(t).Get("0")
	var buf bytes.Buffer
	if err := WriteItem(&buf, it, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "evidence: opened inbox") {
		t.Errorf("got %s", buf.String())
	}
}

func TestWriteBatchReport(t *testing.T) {
	var buf bytes.Buffer
	rep := &merge.BatchReport{Total: 3, Added: 1, Identical: 1, Prefiltered: 1}
	if err := WriteBatchReport(&buf, "batch.json", rep, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "batch.json: 3 candidates, 1 added, 1 identical") {
		t.Errorf("got %s", buf.String())
	}
}

func TestWriteRunReport(t *testing.T) {
	var buf bytes.Buffer
	rep := &cluster.RunReport{
		State:    cluster.StateSaturated,
		Rounds:   []*cluster.RoundReport{{Round: 0, State: cluster.StateSaturated, Clusters: 2, Duplicates: 2, Judged: 2, DuplicateRatio: 1}},
		Insights: nil,
	}
	if err := WriteRunReport(&buf, rep, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "SATURATED after 1 rounds, 0 new insights") {
		t.Errorf("got %s", buf.String())
	}
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	st := &Status{
		Collection: testCollection(t).Stats(),
		Paths:      []storage.PathUsage{{Name: "collection", Path: "/tmp/c.json", Bytes: 42}},
		DiskBytes:  42,
	}
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Items: 2 (1 observations, 1 insights)") || !strings.Contains(out, "level 1: 1") {
		t.Errorf("got %s", out)
	}
}
