// Package judge builds the LLM prompts for relation classification, clustering,
// summarizing, and the cohesion, duplicate, and interestingness judges, and decodes their replies.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/llm"
	"github.com/hyperjump/matome/internal/models"
)

// FeelGenerality is the generality at and above which synthesis asks for feelings rather than revisions.
const FeelGenerality = 6

// Label is the relation class of a candidate to its retrieved neighbours.
type Label int

const (
	Different Label = iota
	Similar
	Identical
)

func (l Label) String() string {
	switch l {
	case Identical:
		return "IDENTICAL"
	case Similar:
		return "SIMILAR"
	default:
		return "DIFFERENT"
	}
}

// Relation is the classifier verdict for one candidate.
type Relation struct {
	Source  string
	Score   int
	Targets []string
}

// Label interprets the score. similar <= 0 (or >= identical) disables the SIMILAR band.
// A verdict without targets is DIFFERENT whatever its score.
func (r Relation) Label(identical, similar int) Label {
	if len(r.Targets) == 0 {
		return Different
	}
	if r.Score >= identical {
		return Identical
	}
	if similar > 0 && similar < identical && r.Score >= similar {
		return Similar
	}
	return Different
}

// Observation is one re-synthesized observation.
type Observation struct {
	Description string          `json:"description"`
	Evidence    models.Evidence `json:"evidence"`
	Confidence  llm.FlexInt     `json:"confidence"`
	Generality  llm.FlexInt     `json:"generality"`
}

// ClusterRequest is the input to one clustering call.
type ClusterRequest struct {
	UserName       string
	Items          []*models.Item
	Existing       []*models.Item
	Seeds          []string
	MinClusterSize int
}

// Cluster is a proposed group before summarizing.
type Cluster struct {
	Members  []string
	Evidence string
}

// Insight is the summary of one cluster.
type Insight struct {
	Theme       string
	Description string
	Evidence    string
}

// Label is "theme: description", or the description when there is no theme.
func (in Insight) Label() string {
	if in.Theme == "" {
		return in.Description
	}
	return in.Theme + ": " + in.Description
}

// CohesionVerdict is the cohesion judge's reply.
type CohesionVerdict struct {
	Confidence int
	Cohesion   int
	Reasoning  string
}

// DuplicateVerdict is the duplicate judge's reply. ID is empty unless Duplicate is set.
type DuplicateVerdict struct {
	Duplicate bool
	Reason    string
	ID        string
}

// InterestVerdict is the interestingness judge's reply.
type InterestVerdict struct {
	Judgement int
	Reason    string
}

type relationBody struct {
	Source   llm.FlexID  `json:"source"`
	Score    llm.FlexInt `json:"score"`
	Targets  llm.FlexIDs `json:"targets"`
	Existing llm.FlexIDs `json:"existing"`
}

type relationReply struct {
	Relations *relationBody `json:"relations"`
	relationBody
}

type observationsReply struct {
	Observations []Observation `json:"observations"`
}

type clusterReply struct {
	Clusters []struct {
		Members  llm.FlexIDs     `json:"members"`
		Evidence models.Evidence `json:"evidence"`
	} `json:"clusters"`
}

type insightReply struct {
	Theme       string          `json:"theme"`
	Description string          `json:"description"`
	Evidence    models.Evidence `json:"evidence"`
}

type cohesionReply struct {
	Confidence llm.FlexInt `json:"confidence"`
	Cohesion   llm.FlexInt `json:"cohesion"`
	Reasoning  string      `json:"reasoning"`
}

type duplicateReply struct {
	Judgement llm.FlexBool `json:"judgement"`
	Reason    string       `json:"reason"`
	ID        llm.FlexID   `json:"id"`
}

type interestReply struct {
	Judgement llm.FlexInt `json:"judgement"`
	Reason    string      `json:"reason"`
}

// Judge issues typed LLM calls through a shared pool.
type Judge struct {
	pool     *llm.Pool
	userName string
	logger   *zap.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithLogger sets the logger for decision tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(j *Judge) { j.logger = logger }
}

// WithUserName sets how prompts refer to the tracked user.
func WithUserName(name string) Option {
	return func(j *Judge) { j.userName = name }
}

// New creates a Judge over pool.
func New(pool *llm.Pool, opts ...Option) *Judge {
	j := &Judge{pool: pool, userName: "the user"}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Classify rates source against retrieved. Targets outside retrieved are dropped,
// duplicates removed, and Source is always source.ID.
func (j *Judge) Classify(ctx context.Context, source *models.Item, retrieved []lexical.Hit) (Relation, error) {
	prompt := fmt.Sprintf(relationTemplate, formatLine(source.ID, source.Description), formatHits(retrieved))
	reply, err := llm.CallJSON[relationReply](ctx, j.pool, llm.RoleRelation, prompt)
	if err != nil {
		return Relation{}, err
	}
	body := reply.relationBody
	if reply.Relations != nil {
		body = *reply.Relations
	}
	targets := body.Targets
	if len(targets) == 0 {
		targets = body.Existing
	}

	known := make(map[string]bool, len(retrieved))
	for _, h := range retrieved {
		known[h.ID] = true
	}
	rel := Relation{Source: source.ID, Score: int(body.Score)}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if !known[t] || seen[t] || t == source.ID {
			if !known[t] && j.logger != nil {
				j.logger.Debug("dropping unknown relation target", zap.String("source", source.ID), zap.String("target", t))
			}
			continue
		}
		seen[t] = true
		rel.Targets = append(rel.Targets, t)
	}
	if j.logger != nil {
		j.logger.Debug("relation classified",
			zap.String("source", source.ID),
			zap.Int("score", rel.Score),
			zap.Strings("targets", rel.Targets))
	}
	return rel, nil
}

// Synthesize rewrites overlapping items into fewer observations. Broad inputs
// (max generality >= FeelGenerality) get the feelings prompt.
func (j *Judge) Synthesize(ctx context.Context, items []*models.Item) ([]Observation, error) {
	maxGen := 0
	for _, it := range items {
		maxGen = max(maxGen, it.Generality)
	}
	var prompt string
	if maxGen >= FeelGenerality {
		prompt = fmt.Sprintf(synthesizeFeelTemplate, j.userName, j.userName, FormatItems(items))
	} else {
		prompt = fmt.Sprintf(synthesizeReviseTemplate, j.userName, FormatItems(items))
	}
	reply, err := llm.CallJSON[observationsReply](ctx, j.pool, llm.RoleSynthesize, prompt)
	if err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(reply.Observations))
	for _, o := range reply.Observations {
		if strings.TrimSpace(o.Description) != "" {
			out = append(out, o)
		}
	}
	return out, nil
}

// Cluster proposes groups over req.Items. Unknown member IDs are dropped and
// groups left with fewer than req.MinClusterSize distinct members are skipped.
func (j *Judge) Cluster(ctx context.Context, req ClusterRequest) ([]Cluster, error) {
	minSize := req.MinClusterSize
	if minSize <= 0 {
		minSize = 2
	}
	userName := req.UserName
	if userName == "" {
		userName = j.userName
	}
	var existing, seeds string
	if len(req.Existing) > 0 {
		existing = fmt.Sprintf(existingClustersBlock, formatExisting(req.Existing))
	}
	if len(req.Seeds) > 0 {
		seeds = fmt.Sprintf(seedBlock, strings.Join(req.Seeds, "; "))
	}
	prompt := fmt.Sprintf(clusterTemplate, userName, minSize, seeds, existing, FormatItems(req.Items))

	reply, err := llm.CallJSON[clusterReply](ctx, j.pool, llm.RoleCluster, prompt)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(req.Items))
	for _, it := range req.Items {
		known[it.ID] = true
	}
	out := make([]Cluster, 0, len(reply.Clusters))
	for _, c := range reply.Clusters {
		seen := make(map[string]bool, len(c.Members))
		members := make([]string, 0, len(c.Members))
		for _, m := range c.Members {
			if known[m] && !seen[m] {
				seen[m] = true
				members = append(members, m)
			}
		}
		if len(members) < minSize {
			if j.logger != nil {
				j.logger.Debug("skipping undersized cluster", zap.Strings("members", []string(c.Members)))
			}
			continue
		}
		out = append(out, Cluster{Members: members, Evidence: strings.Join(c.Evidence, " ")})
	}
	return out, nil
}

// Summarize writes the insight for one cluster.
func (j *Judge) Summarize(ctx context.Context, members []*models.Item, rationale string) (Insight, error) {
	prompt := fmt.Sprintf(summarizeTemplate, rationale, FormatItems(members))
	reply, err := llm.CallJSON[insightReply](ctx, j.pool, llm.RoleSummarize, prompt)
	if err != nil {
		return Insight{}, err
	}
	in := Insight{
		Theme:       strings.TrimSpace(reply.Theme),
		Description: strings.TrimSpace(reply.Description),
		Evidence:    strings.Join(reply.Evidence, " "),
	}
	if in.Description == "" {
		return Insight{}, matomeerrors.NewParse("insight", "", errors.New("summary has no description"))
	}
	return in, nil
}

// Cohesion judges how well insight fits members.
func (j *Judge) Cohesion(ctx context.Context, members []*models.Item, insight Insight) (CohesionVerdict, error) {
	prompt := fmt.Sprintf(cohesionTemplate, formatLabels(members), insight.Label())
	reply, err := llm.CallJSON[cohesionReply](ctx, j.pool, llm.RoleJudge, prompt)
	if err != nil {
		return CohesionVerdict{}, err
	}
	return CohesionVerdict{
		Confidence: int(reply.Confidence),
		Cohesion:   int(reply.Cohesion),
		Reasoning:  reply.Reasoning,
	}, nil
}

// Duplicate judges whether insight repeats one of existing. A duplicate verdict
// naming an ID outside existing keeps Duplicate set with an empty ID.
func (j *Judge) Duplicate(ctx context.Context, insight Insight, existing []*models.Item) (DuplicateVerdict, error) {
	prompt := fmt.Sprintf(duplicateTemplate, insight.Label(), FormatItems(existing))
	reply, err := llm.CallJSON[duplicateReply](ctx, j.pool, llm.RoleJudge, prompt)
	if err != nil {
		return DuplicateVerdict{}, err
	}
	v := DuplicateVerdict{Duplicate: bool(reply.Judgement), Reason: reply.Reason}
	if v.Duplicate {
		for _, it := range existing {
			if it.ID == string(reply.ID) {
				v.ID = it.ID
				break
			}
		}
	}
	return v, nil
}

// Interesting judges whether an insight is specific and non-obvious.
func (j *Judge) Interesting(ctx context.Context, it *models.Item) (InterestVerdict, error) {
	text := it.Label()
	if len(it.Evidence) > 0 {
		text += "\nEvidence: " + strings.Join(it.Evidence, " ")
	}
	reply, err := llm.CallJSON[interestReply](ctx, j.pool, llm.RoleJudge, fmt.Sprintf(interestingTemplate, text))
	if err != nil {
		return InterestVerdict{}, err
	}
	return InterestVerdict{Judgement: int(reply.Judgement), Reason: reply.Reason}, nil
}
