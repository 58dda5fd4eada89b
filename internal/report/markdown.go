// Package report renders a collection's insights for people to read.
package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/models"
)

// Options selects what a report includes.
type Options struct {
	Title string
	// MinLevel is the lowest insight level listed; values below 1 mean 1.
	MinLevel int
	// InterestingOnly keeps insights the interestingness judge marked.
	InterestingOnly bool
}

func (o Options) title() string {
	if o.Title == "" {
		return "Insights"
	}
	return o.Title
}

// Insights returns the items a report lists: highest level first, collection order within a level.
func Insights(coll *collection.Collection, opts Options) []*models.Item {
	minLevel := max(opts.MinLevel, 1)
	items := coll.Filter(func(it *models.Item) bool {
		if it.Level < minLevel {
			return false
		}
		return !opts.InterestingOnly || it.Interestingness > 0
	})
	sort.SliceStable(items, func(i, j int) bool { return items[i].Level > items[j].Level })
	return items
}

// WriteMarkdown writes the insight listing as Markdown.
func WriteMarkdown(w io.Writer, coll *collection.Collection, opts Options) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n\n", opts.title())

	stats := coll.Stats()
	insights := Insights(coll, opts)
	fmt.Fprintf(bw, "%d insights over %d observations.\n", len(insights), stats.Raw)

	for _, it := range insights {
		fmt.Fprintf(bw, "\n## %s\n\n", oneLine(it.Label()))
		fmt.Fprintf(bw, "`%s` level %d", it.ID, it.Level)
		if it.Cohesion > 0 {
			fmt.Fprintf(bw, ", cohesion %d", it.Cohesion)
		}
		if it.Confidence > 0 {
			fmt.Fprintf(bw, ", confidence %d", it.Confidence)
		}
		bw.WriteString("\n")
		if it.Reason != "" {
			fmt.Fprintf(bw, "\n> %s\n", oneLine(it.Reason))
		}

		if len(it.Evidence) > 0 {
			bw.WriteString("\n**Evidence**\n\n")
			for _, ev := range it.Evidence {
				fmt.Fprintf(bw, "- %s\n", oneLine(ev))
			}
		}
		if len(it.Merged) > 0 {
			bw.WriteString("\n**Members**\n\n")
			for _, id := range it.Merged {
				if m, ok := coll.Get(id); ok {
					fmt.Fprintf(bw, "- `%s` %s\n", id, oneLine(m.Label()))
				} else {
					fmt.Fprintf(bw, "- `%s`\n", id)
				}
			}
		}
	}
	return bw.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
