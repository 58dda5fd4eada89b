// Package cli formats command output for matome.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/matome/internal/cluster"
	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
	"github.com/hyperjump/matome/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a flag value to an OutputFormat. Unknown values are text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(s, string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

const rule = "─────────────────────────────────────────────────────────"

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// Hit is a search hit resolved against the collection.
type Hit struct {
	ID    string       `json:"id"`
	Score float64      `json:"score"`
	Item  *models.Item `json:"item,omitempty"`
}

// WriteSearchResults writes lexical hits, resolving each against coll.
func WriteSearchResults(w io.Writer, query string, hits []lexical.Hit, coll *collection.Collection, format OutputFormat) error {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		it, _ := coll.Get(h.ID)
		out = append(out, Hit{ID: h.ID, Score: h.Score, Item: it})
	}
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"query": query, "hits": out})
	}
	fmt.Fprintf(w, "\nFound %d results for %q\n\n", len(out), query)
	for i, h := range out {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | ID: %s\n", i+1, h.Score, h.ID)
		if h.Item != nil {
			fmt.Fprintf(w, "\n%s\n", utils.Truncate(h.Item.Label(), 200))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteItem writes one item with its evidence and merged members.
func WriteItem(w io.Writer, it *models.Item, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, it)
	}
	fmt.Fprintf(w, "ID: %s (level %d)\n", it.ID, it.Level)
	fmt.Fprintf(w, "%s\n", it.Label())
	for _, ev := range it.Evidence {
		fmt.Fprintf(w, "  evidence: %s\n", ev)
	}
	if len(it.Merged) > 0 {
		fmt.Fprintf(w, "  merged: %s\n", strings.Join(it.Merged, ", "))
	}
	if it.Reason != "" {
		fmt.Fprintf(w, "  interesting: %d (%s)\n", it.Interestingness, it.Reason)
	}
	return nil
}

// WriteBatchReport writes the outcome of one merged batch.
func WriteBatchReport(w io.Writer, source string, rep *merge.BatchReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"source": source, "report": rep})
	}
	fmt.Fprintf(w, "%s: %d candidates, %d added, %d identical, %d similar, %d prefiltered, %d invalid, %d failed\n",
		source, rep.Total, rep.Added, rep.Identical, rep.Similar, rep.Prefiltered, rep.Invalid, rep.Failed)
	if rep.Synthesized > 0 || rep.Gated > 0 {
		fmt.Fprintf(w, "  synthesized %d, gated %d\n", rep.Synthesized, rep.Gated)
	}
	return nil
}

// WriteRunReport writes a cluster run round by round.
func WriteRunReport(w io.Writer, rep *cluster.RunReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, rep)
	}
	for _, r := range rep.Rounds {
		fmt.Fprintf(w, "round %d [%s]: %d clusters, %d accepted, %d duplicates, %d discarded, %d failed, ratio %.2f\n",
			r.Round, r.State, r.Clusters, r.Accepted, r.Duplicates, r.Discarded, r.Failed, r.DuplicateRatio)
	}
	fmt.Fprintf(w, "%s after %d rounds, %d new insights", rep.State, len(rep.Rounds), len(rep.Insights))
	if rep.Labelled > 0 {
		fmt.Fprintf(w, ", %d labelled", rep.Labelled)
	}
	fmt.Fprintln(w)
	return nil
}

// Status is what the status command reports.
type Status struct {
	Collection collection.Stats    `json:"collection"`
	Paths      []storage.PathUsage `json:"paths"`
	DiskBytes  int64               `json:"disk_usage_bytes"`
	Runs       []*storage.Run      `json:"recent_runs,omitempty"`
}

// WriteStatus writes collection counts, disk usage, and recent runs.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Items: %d (%d observations, %d insights)\n", st.Collection.Items, st.Collection.Raw, st.Collection.Insights)
	top := 0
	for level := range st.Collection.ByLevel {
		top = max(top, level)
	}
	for level := 1; level <= top; level++ {
		if n := st.Collection.ByLevel[level]; n > 0 {
			fmt.Fprintf(w, "  level %d: %d\n", level, n)
		}
	}
	fmt.Fprintf(w, "Disk usage: %d bytes\n", st.DiskBytes)
	for _, p := range st.Paths {
		fmt.Fprintf(w, "  %-14s %10d  %s\n", p.Name, p.Bytes, p.Path)
	}
	if len(st.Runs) > 0 {
		fmt.Fprintln(w, "Recent runs:")
		for _, r := range st.Runs {
			fmt.Fprintf(w, "  %s %-7s %-10s rounds=%d started=%s\n",
				r.ID, r.Kind, r.State, r.Rounds, r.StartedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
