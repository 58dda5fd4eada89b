// Package cluster grows multi-level insights over a pool of observations.
//
// Each round proposes clusters, summarizes them, judges each summary for
// cohesion and novelty against the insights found so far, and commits the
// survivors to the collection. Accepted insights rejoin the pool so later
// rounds can cluster them again. A run stops when the round's duplicate ratio
// exceeds the saturation threshold or the iteration budget runs out.
package cluster

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/config"
	"github.com/hyperjump/matome/internal/judge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

// Judge is the set of LLM stages a round uses. *judge.Judge satisfies it.
type Judge interface {
	Cluster(ctx context.Context, req judge.ClusterRequest) ([]judge.Cluster, error)
	Summarize(ctx context.Context, members []*models.Item, rationale string) (judge.Insight, error)
	Cohesion(ctx context.Context, members []*models.Item, insight judge.Insight) (judge.CohesionVerdict, error)
	Duplicate(ctx context.Context, insight judge.Insight, existing []*models.Item) (judge.DuplicateVerdict, error)
	Interesting(ctx context.Context, it *models.Item) (judge.InterestVerdict, error)
}

// Config holds the round and termination settings.
type Config struct {
	NumIterations  int
	DupThreshold   float64
	CohesionMin    int
	MinClusterSize int
	// Namespace for new insight IDs, "c" for cluster runs and "meta" for meta runs.
	Namespace        string
	UserName         string
	Seeds            []string
	LabelInteresting bool
}

// ConfigFrom extracts the cluster settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NumIterations:    cfg.Cluster.NumIterations,
		DupThreshold:     cfg.Cluster.DupThreshold,
		CohesionMin:      cfg.Cluster.CohesionMin,
		MinClusterSize:   cfg.Cluster.MinClusterSize,
		Namespace:        cfg.Cluster.Namespace,
		UserName:         cfg.Cluster.UserName,
		LabelInteresting: cfg.Cluster.LabelInteresting,
	}
}

func (c Config) withDefaults() Config {
	if c.NumIterations <= 0 {
		c.NumIterations = config.DefaultNumIterations
	}
	if c.DupThreshold == 0 {
		c.DupThreshold = config.DefaultDupThreshold
	}
	if c.CohesionMin <= 0 {
		c.CohesionMin = config.DefaultCohesionMin
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = config.DefaultMinClusterSize
	}
	if c.Namespace == "" {
		c.Namespace = config.DefaultClusterNamespace
	}
	return c
}

// Engine runs clustering rounds against one collection.
type Engine struct {
	coll     *collection.Collection
	judge    Judge
	cfg      Config
	shuffler Shuffler
	logger   *zap.Logger

	snapshotPath string
	archive      storage.Archive
	kind         string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithShuffler replaces the seeded shuffle applied between rounds.
func WithShuffler(s Shuffler) Option {
	return func(e *Engine) { e.shuffler = s }
}

// WithSnapshotPath saves the collection to path after every round.
func WithSnapshotPath(path string) Option {
	return func(e *Engine) { e.snapshotPath = path }
}

// WithArchive records the run and each of its rounds under kind.
func WithArchive(a storage.Archive, kind string) Option {
	return func(e *Engine) {
		e.archive = a
		e.kind = kind
	}
}

// New returns an Engine that commits insights to coll.
func New(coll *collection.Collection, j Judge, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		coll:     coll,
		judge:    j,
		cfg:      cfg.withDefaults(),
		shuffler: NewSeededShuffler(config.DefaultShuffleSeed),
		logger:   zap.NewNop(),
		kind:     storage.KindCluster,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// candidate carries one cluster through summarizing, judging, and committing.
type candidate struct {
	cluster judge.Cluster
	members []*models.Item

	insight    judge.Insight
	summaryErr error

	cohesion    judge.CohesionVerdict
	cohesionErr error
	duplicate   judge.DuplicateVerdict
	dupErr      error
}

// ownInsight reports whether it is an insight this engine's namespace produced.
// Imported session insights are pool members, not duplicate targets.
func (e *Engine) ownInsight(it *models.Item) bool {
	if it.Level == 0 {
		return false
	}
	id, err := models.ParseItemID(it.ID)
	return err == nil && id.Namespace == e.cfg.Namespace
}

// Run clusters pool until saturation or the iteration budget. Pool insights in
// the engine's namespace are the ones new summaries are checked against.
// The pool slice is copied; its items are not modified.
func (e *Engine) Run(ctx context.Context, pool []*models.Item) (*RunReport, error) {
	work := make([]*models.Item, 0, len(pool))
	var insights []*models.Item
	for _, it := range pool {
		c := it.Clone()
		work = append(work, c)
		if e.ownInsight(c) {
			insights = append(insights, c)
		}
	}

	report := &RunReport{}
	var runID string
	if e.archive != nil {
		run, err := e.archive.StartRun(ctx, e.kind)
		if err != nil {
			return nil, err
		}
		runID = run.ID
	}

	for round := 0; round < e.cfg.NumIterations; round++ {
		if err := ctx.Err(); err != nil {
			e.finish(runID, "FAILED")
			return report, err
		}
		rr, added, err := e.round(ctx, round, work, insights)
		if err != nil {
			e.finish(runID, "FAILED")
			return report, err
		}
		work = e.refresh(append(work, added...))
		insights = e.refresh(append(insights, added...))
		report.Rounds = append(report.Rounds, rr)
		report.Insights = append(report.Insights, rr.NewIDs...)

		switch {
		case rr.DuplicateRatio > e.cfg.DupThreshold:
			rr.State = StateSaturated
		case round == e.cfg.NumIterations-1:
			rr.State = StateExhausted
		default:
			rr.State = StateCommitting
		}

		e.logger.Info("round complete",
			zap.Int("round", round),
			zap.String("state", string(rr.State)),
			zap.Int("clusters", rr.Clusters),
			zap.Int("accepted", rr.Accepted),
			zap.Int("duplicates", rr.Duplicates),
			zap.Int("discarded", rr.Discarded),
			zap.Int("failed", rr.Failed),
			zap.Float64("duplicate_ratio", rr.DuplicateRatio))

		if err := e.persist(ctx, runID, rr); err != nil {
			e.finish(runID, "FAILED")
			return report, err
		}
		if rr.State.Terminal() {
			report.State = rr.State
			break
		}
		e.shuffler.Shuffle(work)
	}

	if e.cfg.LabelInteresting && len(report.Insights) > 0 {
		n, err := e.LabelInteresting(ctx, report.Insights)
		report.Labelled = n
		if err != nil {
			e.finish(runID, "FAILED")
			return report, err
		}
		if e.snapshotPath != "" {
			if err := e.coll.Save(e.snapshotPath); err != nil {
				e.finish(runID, "FAILED")
				return report, err
			}
		}
	}
	e.finish(runID, string(report.State))
	return report, nil
}

// round runs one CLUSTERING, SUMMARIZING, JUDGING, COMMITTING pass and returns
// the insights it created.
func (e *Engine) round(ctx context.Context, round int, pool, insights []*models.Item) (*RoundReport, []*models.Item, error) {
	rr := &RoundReport{Round: round, State: StateClustering, PoolSize: len(pool)}

	clusters, err := e.judge.Cluster(ctx, judge.ClusterRequest{
		UserName:       e.cfg.UserName,
		Items:          pool,
		Existing:       insights,
		Seeds:          e.cfg.Seeds,
		MinClusterSize: e.cfg.MinClusterSize,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		e.logger.Warn("cluster proposal failed", zap.Int("round", round), zap.Error(err))
		rr.Failed++
		return rr, nil, nil
	}
	rr.Clusters = len(clusters)

	byID := make(map[string]*models.Item, len(pool))
	for _, it := range pool {
		byID[it.ID] = it
	}
	cands := make([]*candidate, 0, len(clusters))
	for _, c := range clusters {
		cand := &candidate{cluster: c}
		for _, id := range c.Members {
			if it, ok := byID[id]; ok {
				cand.members = append(cand.members, it)
			}
		}
		cands = append(cands, cand)
	}

	rr.State = StateSummarizing
	fanOut(len(cands), func(i int) {
		c := cands[i]
		c.insight, c.summaryErr = e.judge.Summarize(ctx, c.members, c.cluster.Evidence)
	})

	rr.State = StateJudging
	var wg sync.WaitGroup
	for _, c := range cands {
		if c.summaryErr != nil {
			continue
		}
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			c.cohesion, c.cohesionErr = e.judge.Cohesion(ctx, c.members, c.insight)
		}(c)
		if len(insights) > 0 {
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				c.duplicate, c.dupErr = e.judge.Duplicate(ctx, c.insight, insights)
			}(c)
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	rr.State = StateCommitting
	var added []*models.Item
	for _, c := range cands {
		it, err := e.commit(rr, c)
		if err != nil {
			return nil, nil, err
		}
		if it != nil {
			added = append(added, it)
		}
	}
	if rr.Judged > 0 {
		rr.DuplicateRatio = float64(rr.Duplicates) / float64(rr.Judged)
	}
	return rr, added, nil
}

// commit applies one judged candidate and returns the new insight, if any.
func (e *Engine) commit(rr *RoundReport, c *candidate) (*models.Item, error) {
	switch {
	case c.summaryErr != nil:
		e.logger.Warn("summary failed", zap.Strings("members", c.cluster.Members), zap.Error(c.summaryErr))
		rr.Failed++
		return nil, nil
	case c.cohesionErr != nil:
		e.logger.Warn("cohesion judgement failed", zap.Strings("members", c.cluster.Members), zap.Error(c.cohesionErr))
		rr.Failed++
		return nil, nil
	case c.dupErr != nil:
		e.logger.Warn("duplicate judgement failed", zap.Strings("members", c.cluster.Members), zap.Error(c.dupErr))
		rr.Failed++
		return nil, nil
	}

	if c.cohesion.Cohesion < e.cfg.CohesionMin {
		e.logger.Debug("discarding loose cluster",
			zap.Strings("members", c.cluster.Members),
			zap.Int("cohesion", c.cohesion.Cohesion))
		rr.Discarded++
		return nil, nil
	}
	rr.Judged++

	if c.duplicate.Duplicate {
		rr.Duplicates++
		target := c.duplicate.ID
		if target == "" {
			e.logger.Debug("duplicate verdict without a known target", zap.String("insight", c.insight.Label()))
			return nil, nil
		}
		if err := e.coll.AppendEvidence(target, c.insight.Evidence); err != nil {
			e.logger.Warn("duplicate target missing", zap.String("id", target), zap.Error(err))
			return nil, nil
		}
		merged := make([]string, 0, len(c.cluster.Members))
		for _, id := range c.cluster.Members {
			if id != target {
				merged = append(merged, id)
			}
		}
		if err := e.coll.ExtendMerged(target, merged...); err != nil {
			return nil, err
		}
		return nil, nil
	}

	level := 0
	for _, m := range c.members {
		level = max(level, m.Level)
	}
	it := &models.Item{
		ID:          e.coll.NextID(e.cfg.Namespace),
		Description: c.insight.Description,
		Theme:       c.insight.Theme,
		Merged:      append([]string(nil), c.cluster.Members...),
		Level:       level + 1,
		Scores: models.Scores{
			Confidence: c.cohesion.Confidence,
			Cohesion:   c.cohesion.Cohesion,
		},
	}
	if c.insight.Evidence != "" {
		it.Evidence = models.Evidence{c.insight.Evidence}
	}
	if err := e.coll.Add(it); err != nil {
		return nil, err
	}
	rr.Accepted++
	rr.NewIDs = append(rr.NewIDs, it.ID)
	stored, _ := e.coll.Get(it.ID)
	return stored, nil
}

// refresh reloads items from the collection so duplicate merges show up in
// the next round's prompts. Items missing from the collection are kept as given.
func (e *Engine) refresh(insights []*models.Item) []*models.Item {
	out := make([]*models.Item, 0, len(insights))
	for _, it := range insights {
		if cur, ok := e.coll.Get(it.ID); ok {
			out = append(out, cur)
		} else {
			out = append(out, it)
		}
	}
	return out
}

func (e *Engine) persist(ctx context.Context, runID string, rr *RoundReport) error {
	if e.snapshotPath != "" {
		if err := e.coll.Save(e.snapshotPath); err != nil {
			return err
		}
	}
	if e.archive == nil {
		return nil
	}
	var snap bytes.Buffer
	if err := e.coll.Encode(&snap); err != nil {
		return err
	}
	return e.archive.RecordRound(ctx, &storage.Round{
		RunID:          runID,
		Round:          rr.Round,
		State:          string(rr.State),
		Counts:         rr.Counts(),
		DuplicateRatio: rr.DuplicateRatio,
		CollectionSize: e.coll.Len(),
		Snapshot:       snap.Bytes(),
	})
}

func (e *Engine) finish(runID, state string) {
	if e.archive == nil || runID == "" {
		return
	}
	if err := e.archive.FinishRun(context.Background(), runID, state); err != nil {
		e.logger.Warn("failed to finish run", zap.String("run_id", runID), zap.Error(err))
	}
}

// LabelInteresting asks the judge about each insight concurrently and stores
// the verdicts. Failed calls are logged and skipped. It returns how many were labelled.
func (e *Engine) LabelInteresting(ctx context.Context, ids []string) (int, error) {
	items := make([]*models.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := e.coll.Get(id); ok {
			items = append(items, it)
		}
	}
	verdicts := make([]judge.InterestVerdict, len(items))
	errs := make([]error, len(items))
	fanOut(len(items), func(i int) {
		verdicts[i], errs[i] = e.judge.Interesting(ctx, items[i])
	})
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	for i, it := range items {
		if errs[i] != nil {
			e.logger.Warn("interest judgement failed", zap.String("id", it.ID), zap.Error(errs[i]))
			continue
		}
		if err := e.coll.SetInterest(it.ID, verdicts[i].Judgement, verdicts[i].Reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// fanOut runs fn(0..n-1) concurrently and waits. Concurrency is bounded by the LLM pool.
func fanOut(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}
