// Package merge deduplicates incoming observation batches against the collection.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/config"
	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/judge"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

// Classifier rates a candidate against its lexical neighbours.
type Classifier interface {
	Classify(ctx context.Context, source *models.Item, retrieved []lexical.Hit) (judge.Relation, error)
}

// Synthesizer rewrites overlapping items for the SIMILAR band.
type Synthesizer interface {
	Synthesize(ctx context.Context, items []*models.Item) ([]judge.Observation, error)
}

// Vectors is the embedding pre-filter. *vector.Store satisfies it.
type Vectors interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Add(id string, vec []float32) error
	AddIfNew(id string, vec []float32, threshold float64) (bool, error)
	Remove(id string)
	Contains(id string) bool
	Save(path string) error
}

// Config holds the decision thresholds.
type Config struct {
	SimilarityThreshold float64
	TopK                int
	IdenticalThreshold  int
	// SimilarThreshold enables the SIMILAR band when > 0 and below IdenticalThreshold.
	SimilarThreshold int
	GeneralityGate   bool
	// Namespace for new item IDs; empty for raw observations.
	Namespace string
}

// ConfigFrom extracts the merge settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SimilarityThreshold: cfg.Vector.SimilarityThreshold,
		TopK:                cfg.Lexical.TopK,
		IdenticalThreshold:  cfg.Merge.IdenticalThreshold,
		SimilarThreshold:    cfg.Merge.SimilarThreshold,
		GeneralityGate:      cfg.Merge.GeneralityGate,
	}
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = config.DefaultSimilarityThreshold
	}
	if c.TopK <= 0 {
		c.TopK = config.DefaultTopK
	}
	if c.IdenticalThreshold <= 0 {
		c.IdenticalThreshold = config.DefaultIdenticalThreshold
	}
	return c
}

func (c Config) similarEnabled() bool {
	return c.SimilarThreshold > 0 && c.SimilarThreshold < c.IdenticalThreshold
}

// Snapshot names where the engine persists state after each batch. Empty paths are skipped.
type Snapshot struct {
	Collection string
	Vector     string
	Lexical    string
}

// Engine runs the merge pipeline. Batches are processed one at a time.
type Engine struct {
	mu sync.Mutex

	coll       *collection.Collection
	vectors    Vectors
	lex        lexical.Index
	classifier Classifier
	synth      Synthesizer
	cfg        Config
	snapshot   Snapshot
	newGroupID func() string
	archive    storage.Archive
	logger     *zap.Logger

	// synthesized holds the merge keys already re-synthesized.
	synthesized map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSynthesizer enables re-synthesis in the SIMILAR band.
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Engine) { e.synth = s }
}

// WithSnapshot persists the collection and indices after every batch.
func WithSnapshot(s Snapshot) Option {
	return func(e *Engine) { e.snapshot = s }
}

// WithArchive records every batch as a one-round merge run.
func WithArchive(a storage.Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithGroupIDFunc overrides the batch group ID generator.
func WithGroupIDFunc(f func() string) Option {
	return func(e *Engine) { e.newGroupID = f }
}

// New creates a merge engine over coll and its indices. A nil classifier gives a
// read-only engine that can Rebuild and Search but not process batches.
func New(coll *collection.Collection, vectors Vectors, lex lexical.Index, classifier Classifier, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		coll:        coll,
		vectors:     vectors,
		lex:         lex,
		classifier:  classifier,
		cfg:         cfg.withDefaults(),
		newGroupID:  func() string { return uuid.New().String() },
		synthesized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Collection returns the collection the engine writes to.
func (e *Engine) Collection() *collection.Collection {
	return e.coll
}

// Search runs a lexical query against the eligible items. A query with no
// hits is retried once with misspelled terms corrected against the index vocabulary.
func (e *Engine) Search(query string, topK int) ([]lexical.Hit, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	hits, c, err := lexical.SearchCorrected(e.lex, query, topK)
	if c.Changed() {
		e.debug("search query corrected", zap.String("query", query), zap.String("corrected", c.Corrected), zap.Int("hits", len(hits)))
	}
	return hits, err
}

// ProcessBatch dedups candidates against the collection in order. Per-candidate classifier
// and parse failures are logged and counted; structural errors (duplicate IDs, persistence)
// abort the batch and are returned.
func (e *Engine) ProcessBatch(ctx context.Context, candidates []models.Candidate) (*BatchReport, error) {
	if e.classifier == nil {
		return nil, matomeerrors.NewInvalidInput("merge engine has no classifier")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	report, err := e.processBatch(ctx, candidates)
	if e.archive != nil && report != nil {
		e.record(ctx, report, err)
	}
	return report, err
}

func (e *Engine) processBatch(ctx context.Context, candidates []models.Candidate) (*BatchReport, error) {
	report := &BatchReport{GroupID: e.newGroupID(), Total: len(candidates)}
	items := make([]*models.Item, 0, len(candidates))
	for i := range candidates {
		if err := candidates[i].Validate(); err != nil {
			report.Invalid++
			e.warn("skipping invalid candidate", zap.Int("index", i), zap.Error(err))
			continue
		}
		items = append(items, candidates[i].ToItem(e.nextID(), report.GroupID))
	}
	if len(items) == 0 {
		return report, e.save()
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Description
	}
	vecs, err := e.vectors.Encode(ctx, texts)
	if err != nil {
		return report, fmt.Errorf("failed to encode batch: %w", err)
	}
	if len(vecs) != len(items) {
		return report, fmt.Errorf("encoder returned %d vectors for %d texts", len(vecs), len(items))
	}

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.processOne(ctx, report, it, vecs[i]); err != nil {
			return report, err
		}
	}

	if e.logger != nil {
		e.logger.Info("batch processed",
			zap.String("group_id", report.GroupID),
			zap.Int("total", report.Total),
			zap.Int("added", report.Added),
			zap.Int("identical", report.Identical),
			zap.Int("similar", report.Similar),
			zap.Int("prefiltered", report.Prefiltered),
			zap.Int("failed", report.Failed))
	}
	return report, e.save()
}

func (e *Engine) processOne(ctx context.Context, report *BatchReport, it *models.Item, vec []float32) error {
	isNew, err := e.vectors.AddIfNew(it.ID, vec, e.cfg.SimilarityThreshold)
	if err != nil {
		return fmt.Errorf("failed to index candidate %s: %w", it.ID, err)
	}
	if !isNew {
		report.Prefiltered++
		e.debug("candidate prefiltered", zap.String("id", it.ID))
		return nil
	}

	if e.coll.Len() == 0 {
		return e.addDifferent(report, it)
	}

	hits, err := e.lex.Search(it.Description, e.cfg.TopK)
	if err != nil {
		e.drop(report, it, "lexical search failed", err)
		return nil
	}
	if len(hits) == 0 {
		e.debug("no lexical neighbours", zap.String("id", it.ID))
		return e.addDifferent(report, it)
	}

	rel, err := e.classifier.Classify(ctx, it, hits)
	if err != nil {
		return e.skip(report, it, "relation classification failed", err)
	}

	switch rel.Label(e.cfg.IdenticalThreshold, e.cfg.SimilarThreshold) {
	case judge.Identical:
		report.Identical++
		for _, target := range rel.Targets {
			if err := e.coll.AppendEvidence(target, it.Evidence...); err != nil {
				e.warn("identical target missing", zap.String("target", target), zap.Error(err))
			}
		}
		report.Merges = append(report.Merges, Merge{CandidateID: it.ID, Targets: rel.Targets, Score: rel.Score})
		e.debug("candidate identical", zap.String("id", it.ID), zap.Strings("targets", rel.Targets), zap.Int("score", rel.Score))
		return nil
	case judge.Similar:
		report.Similar++
		if err := e.addDifferent(report, it); err != nil {
			return err
		}
		if e.synth == nil || !e.cfg.similarEnabled() {
			return nil
		}
		return e.synthesize(ctx, report, it, rel.Targets)
	default:
		return e.addDifferent(report, it)
	}
}

// nextID allocates a collection ID the vector index does not hold. Vectors of
// IDENTICAL candidates outlive their IDs, and the collection alone cannot see them
// after a reload.
func (e *Engine) nextID() string {
	for {
		id := e.coll.NextID(e.cfg.Namespace)
		if !e.vectors.Contains(id) {
			return id
		}
	}
}

// skip drops a candidate after a recoverable failure. Its vector is removed so a
// later batch can retry it. Non-recoverable errors are returned.
func (e *Engine) skip(report *BatchReport, it *models.Item, msg string, err error) error {
	if !matomeerrors.Recoverable(err) {
		return fmt.Errorf("%s for %s: %w", msg, it.ID, err)
	}
	e.drop(report, it, msg, err)
	return nil
}

func (e *Engine) drop(report *BatchReport, it *models.Item, msg string, err error) {
	e.vectors.Remove(it.ID)
	report.Failed++
	e.warn(msg, zap.String("id", it.ID), zap.Error(err))
}

func (e *Engine) addDifferent(report *BatchReport, it *models.Item) error {
	if err := e.coll.Add(it); err != nil {
		return err
	}
	if err := e.lex.Add(it.ID, it.Description); err != nil {
		return fmt.Errorf("failed to index %s lexically: %w", it.ID, err)
	}
	report.Added++
	report.AddedIDs = append(report.AddedIDs, it.ID)
	return nil
}

// synthesize re-writes a candidate and its SIMILAR targets into new observations.
// Each result must pass the vector pre-filter and, when enabled, the generality gate.
// If any result is kept, the inputs are retired from lexical retrieval.
func (e *Engine) synthesize(ctx context.Context, report *BatchReport, cand *models.Item, targets []string) error {
	mergeIDs := append([]string{cand.ID}, targets...)
	sort.Strings(mergeIDs)
	key := strings.Join(mergeIDs, "-")
	if e.synthesized[key] {
		e.debug("merge set already synthesized", zap.String("key", key))
		return nil
	}
	e.synthesized[key] = true

	inputs := []*models.Item{cand}
	maxGen := cand.Generality
	for _, id := range targets {
		if it, ok := e.coll.Get(id); ok {
			inputs = append(inputs, it)
			maxGen = max(maxGen, it.Generality)
		}
	}

	obs, err := e.synth.Synthesize(ctx, inputs)
	if err != nil {
		if !matomeerrors.Recoverable(err) {
			return err
		}
		report.Failed++
		e.warn("synthesis failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	kept := obs[:0]
	for _, o := range obs {
		if e.cfg.GeneralityGate && int(o.Generality) < maxGen {
			report.Gated++
			e.debug("synthesis below generality gate", zap.Int("generality", int(o.Generality)), zap.Int("min", maxGen))
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		return nil
	}

	texts := make([]string, len(kept))
	for i, o := range kept {
		texts[i] = o.Description
	}
	vecs, err := e.vectors.Encode(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to encode synthesis: %w", err)
	}

	created := 0
	for i, o := range kept {
		id := e.nextID()
		isNew, err := e.vectors.AddIfNew(id, vecs[i], e.cfg.SimilarityThreshold)
		if err != nil {
			return fmt.Errorf("failed to index synthesis %s: %w", id, err)
		}
		if !isNew {
			report.Prefiltered++
			continue
		}
		it := &models.Item{
			ID:          id,
			Description: strings.TrimSpace(o.Description),
			Evidence:    append(models.Evidence{}, o.Evidence...),
			Scores:      models.Scores{Confidence: int(o.Confidence), Generality: int(o.Generality)},
			Merged:      append([]string(nil), mergeIDs...),
			GroupID:     report.GroupID,
		}
		if err := e.coll.Add(it); err != nil {
			return err
		}
		if err := e.lex.Add(it.ID, it.Description); err != nil {
			return fmt.Errorf("failed to index %s lexically: %w", it.ID, err)
		}
		report.Synthesized++
		report.AddedIDs = append(report.AddedIDs, it.ID)
		created++
	}
	if created > 0 {
		for _, id := range mergeIDs {
			e.lex.Remove(id)
		}
		e.debug("similar set synthesized", zap.String("key", key), zap.Int("created", created))
	}
	return nil
}

func (e *Engine) save() error {
	if e.snapshot.Collection != "" {
		if err := e.coll.Save(e.snapshot.Collection); err != nil {
			return err
		}
	}
	if e.snapshot.Vector != "" {
		if err := e.vectors.Save(e.snapshot.Vector); err != nil {
			return err
		}
	}
	if e.snapshot.Lexical != "" {
		if err := e.lex.Save(e.snapshot.Lexical); err != nil {
			return err
		}
	}
	return nil
}

// record archives the batch. Archive failures are logged, never returned.
func (e *Engine) record(ctx context.Context, report *BatchReport, batchErr error) {
	ctx = context.WithoutCancel(ctx)
	run, err := e.archive.StartRun(ctx, storage.KindMerge)
	if err != nil {
		e.warn("failed to archive batch", zap.Error(err))
		return
	}
	state := "DONE"
	if batchErr != nil {
		state = "FAILED"
	}
	round := &storage.Round{
		RunID:          run.ID,
		State:          state,
		Counts:         report.Counts(),
		CollectionSize: e.coll.Len(),
		Labels:         map[string]string{"group_id": report.GroupID},
	}
	if err := e.archive.RecordRound(ctx, round); err != nil {
		e.warn("failed to archive batch", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := e.archive.FinishRun(ctx, run.ID, state); err != nil {
		e.warn("failed to finish merge run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) debug(msg string, fields ...zap.Field) {
	if e.logger != nil {
		e.logger.Debug(msg, fields...)
	}
}

func (e *Engine) warn(msg string, fields ...zap.Field) {
	if e.logger != nil {
		e.logger.Warn(msg, fields...)
	}
}
