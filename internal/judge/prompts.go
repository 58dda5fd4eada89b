package judge

import (
	"fmt"
	"strings"

	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/models"
)

// Task headers. Every prompt starts with one so logs and test fakes can tell calls apart.
const (
	TaskRelation    = "Task: RELATION"
	TaskSynthesize  = "Task: SYNTHESIZE"
	TaskCluster     = "Task: CLUSTER"
	TaskSummarize   = "Task: SUMMARIZE"
	TaskCohesion    = "Task: COHESION"
	TaskDuplicate   = "Task: DUPLICATE"
	TaskInteresting = "Task: INTERESTING"
)

const relationTemplate = TaskRelation + `

You compare one new observation about a user against observations already on file.
Rate how similar the new observation is to the most similar existing ones on a 1-10 scale:

1-3: different behaviors, topics, or goals.
4-6: related topic, but a different underlying behavior or conclusion.
7-8: the same behavior or conclusion, worded differently or at a different level of detail.
9-10: the same observation.

List in "targets" the IDs of the existing observations that describe the same thing.
Leave "targets" empty when the score is below 7.

New observation:
%s

Existing observations:
%s

Reply with JSON only:
{"relations": {"source": <new observation id>, "score": <1-10>, "targets": [<existing ids>]}}
`

const synthesizeReviseTemplate = TaskSynthesize + `

The observations below about %s overlap. Rewrite them as the smallest set of observations that
keeps every distinct detail. Do not generalize beyond what the evidence supports. Keep the
most specific wording and merge the evidence of the inputs you combine.

Observations:
%s

Rate confidence (how well the evidence supports it) and generality (1 = one specific
moment, 10 = a trait across all of the user's life) on a 1-10 scale.

Reply with JSON only:
{"observations": [{"description": "...", "evidence": ["..."], "confidence": <1-10>, "generality": <1-10>}]}
`

const synthesizeFeelTemplate = TaskSynthesize + `

The observations below about %s overlap and are already broad. Combine them into observations
that describe what %s seems to care about or feel, grounded only in the evidence given.
Each result must be at least as general as the inputs.

Observations:
%s

Rate confidence (how well the evidence supports it) and generality (1 = one specific
moment, 10 = a trait across all of the user's life) on a 1-10 scale.

Reply with JSON only:
{"observations": [{"description": "...", "evidence": ["..."], "confidence": <1-10>, "generality": <1-10>}]}
`

const clusterTemplate = TaskCluster + `

You are a design researcher doing grounded-theory analysis of observations about %s.
Before grouping, tag each observation for yourself with a metadata header:
[actor: who or what acts | time: when | domain: area of life or work | sentiment | urgency].
Then group observations that share an underlying pattern, motivation, or tension.

Rules:
- A group needs at least %d members. Observations may appear in several groups.
- Use only IDs from the list.
- "evidence" explains in one or two sentences why the members belong together.
%s%s
Observations:
%s

Reply with JSON only:
{"clusters": [{"members": [<ids>], "evidence": "..."}]}
`

const existingClustersBlock = `- The clusters below already exist. Do not recreate them; prefer groups that reveal
  something new, including groups that combine existing clusters with other observations.

Existing clusters:
%s
`

const seedBlock = `- Focus on groups related to these topics: %s
`

const summarizeTemplate = TaskSummarize + `

Write one insight that captures what the grouped observations below reveal about the user.
Group rationale: %s

Observations:
%s

"theme" is a short title (at most eight words). "description" is one or two sentences.
"evidence" cites the concrete details that support it.

Reply with JSON only:
{"theme": "...", "description": "...", "evidence": "..."}
`

const cohesionTemplate = TaskCohesion + `

Judge whether the insight below is a faithful summary of its observations.
cohesion: 1-10, how well every observation fits the insight.
confidence: 1-10, how well the observations support the insight.

Observations:
%s

Insight:
%s

Reply with JSON only:
{"confidence": <1-10>, "cohesion": <1-10>, "reasoning": "..."}
`

const duplicateTemplate = TaskDuplicate + `

Decide whether the new insight says the same thing as one of the existing insights.
Differences in wording or detail do not matter; a different conclusion does.
If it is a duplicate, give the ID of the existing insight it duplicates.

New insight:
%s

Existing insights:
%s

Reply with JSON only:
{"judgement": true|false, "reason": "...", "id": <existing id or null>}
`

const interestingTemplate = TaskInteresting + `

Judge whether this insight is interesting: specific to this user and not something
anyone could have guessed without observing them. Be critical.

Insight:
%s

Reply with JSON only:
{"judgement": 1 if interesting else 0, "reason": "..."}
`

// formatLine renders "ID: x | text" for relation prompts.
func formatLine(id, text string) string {
	return fmt.Sprintf("ID: %s | %s", id, strings.TrimSpace(text))
}

func formatHits(hits []lexical.Hit) string {
	lines := make([]string, len(hits))
	for i, h := range hits {
		lines[i] = formatLine(h.ID, h.Text)
	}
	return strings.Join(lines, "\n")
}

// FormatItems renders items as "ID x | label" with their evidence, one block per item.
func FormatItems(items []*models.Item) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "ID %s | %s", it.ID, it.Label())
		if len(it.Evidence) > 0 {
			fmt.Fprintf(&b, "\nEvidence: %s", strings.Join(it.Evidence, " "))
		}
	}
	return b.String()
}

func formatExisting(insights []*models.Item) string {
	var b strings.Builder
	for i, it := range insights {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Cluster %d (ID %s): %s\nMerged IDs: %s", i+1, it.ID, it.Label(), strings.Join(it.Merged, ", "))
	}
	return b.String()
}

func formatLabels(items []*models.Item) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.Label()
	}
	return strings.Join(lines, "\n")
}
