package cluster

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/judge"
	"github.com/hyperjump/matome/internal/llm/llmtest"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

const (
	summaryReply = `{"theme": "Email", "description": "Keeps the inbox under control", "evidence": ["checks Gmail", "archives"]}`
	tightReply   = `{"confidence": 8, "cohesion": 8, "reasoning": "same habit"}`
	looseReply   = `{"confidence": 8, "cohesion": 3, "reasoning": "unrelated"}`
	novelReply   = `{"judgement": false, "reason": "new"}`
)

func seedCollection(t *testing.T, items ...*models.Item) *collection.Collection {
	t.Helper()
	c := collection.New()
	for _, it := range items {
		require.NoError(t, c.Add(it))
	}
	return c
}

func raw(ids ...string) []*models.Item {
	out := make([]*models.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, &models.Item{ID: id, Description: "observation " + id, Evidence: models.Evidence{"ev " + id}})
	}
	return out
}

func newEngine(t *testing.T, coll *collection.Collection, fake *llmtest.Fake, cfg Config, opts ...Option) *Engine {
	t.Helper()
	j := judge.New(fake.Pool(4), judge.WithUserName("Kai"))
	opts = append([]Option{WithShuffler(KeepOrder{})}, opts...)
	return New(coll, j, cfg, opts...)
}

func TestRun_CreatesInsightFromCluster(t *testing.T) {
	pool := raw("1", "2", "3", "4", "5")
	coll := seedCollection(t, pool...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2", "3"], "evidence": ["all about email"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 1}).Run(context.Background(), coll.Items())
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, rep.State)
	require.Equal(t, []string{"c-0"}, rep.Insights)
	got, ok := coll.Get("c-0")
	require.True(t, ok)
	assert.Equal(t, []string{"1", "2", "3"}, got.Merged)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, "Email", got.Theme)
	assert.Equal(t, 8, got.Cohesion)
	assert.Equal(t, models.Evidence{"checks Gmail archives"}, got.Evidence)

	for _, id := range []string{"4", "5"} {
		it, _ := coll.Get(id)
		assert.Equal(t, "observation "+id, it.Description)
		assert.Empty(t, it.Merged)
	}
	assert.Equal(t, 0, fake.Count(judge.TaskDuplicate), "no insights yet, so no duplicate check")
	assert.Contains(t, fake.Calls()[0], "Kai")
}

func TestRun_CohesionGateDiscards(t *testing.T) {
	coll := seedCollection(t, raw("1", "2", "3")...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, looseReply)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 2}).Run(context.Background(), coll.Items())
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, rep.State)
	require.Len(t, rep.Rounds, 2)
	assert.Equal(t, 1, rep.Rounds[0].Discarded)
	assert.Equal(t, 0, rep.Rounds[0].Judged)
	assert.Zero(t, rep.Rounds[0].DuplicateRatio)
	assert.Equal(t, 3, coll.Len())
	assert.Equal(t, 2, fake.Count(judge.TaskCluster))
}

func TestRun_DuplicateSaturates(t *testing.T) {
	existing := &models.Item{ID: "c-0", Description: "Keeps the inbox under control", Theme: "Email", Merged: []string{"3"}, Level: 1}
	coll := seedCollection(t, append(raw("1", "2", "3"), existing)...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2", "c-0"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskDuplicate, `{"judgement": true, "id": "c-0", "reason": "same"}`)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 5}).Run(context.Background(), coll.Items())
	require.NoError(t, err)

	assert.Equal(t, StateSaturated, rep.State)
	require.Len(t, rep.Rounds, 1)
	assert.Equal(t, 1.0, rep.Rounds[0].DuplicateRatio)
	assert.Empty(t, rep.Insights)

	got, _ := coll.Get("c-0")
	assert.Equal(t, []string{"3", "1", "2"}, got.Merged)
	assert.Equal(t, models.Evidence{"checks Gmail archives"}, got.Evidence)
	assert.Equal(t, 4, coll.Len())
}

func TestRun_UnknownDuplicateTargetStillCounts(t *testing.T) {
	existing := &models.Item{ID: "c-0", Description: "x", Level: 1}
	coll := seedCollection(t, append(raw("1", "2"), existing)...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskDuplicate, `{"judgement": "yes", "id": "c-99"}`)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 3}).Run(context.Background(), coll.Items())
	require.NoError(t, err)
	assert.Equal(t, StateSaturated, rep.State)
	assert.Equal(t, 1, rep.Rounds[0].Duplicates)
	assert.Equal(t, 3, coll.Len())
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	coll := seedCollection(t, raw("1", "2", "4", "5")...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2"]}, {"members": ["4", "5"]}]}`).
		OnFunc(judge.TaskSummarize, func(prompt string) (string, error) {
			if strings.Contains(prompt, "ID 4 |") {
				return "", errors.New("upstream 500")
			}
			return summaryReply, nil
		}).
		On(judge.TaskCohesion, tightReply)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 1}).Run(context.Background(), coll.Items())
	require.NoError(t, err)

	r := rep.Rounds[0]
	assert.Equal(t, 2, r.Clusters)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Accepted)
	assert.Equal(t, 1, r.Judged)
	got, _ := coll.Get("c-0")
	assert.Equal(t, []string{"1", "2"}, got.Merged)
}

func TestRun_ClusterCallFailureUsesRound(t *testing.T) {
	coll := seedCollection(t, raw("1", "2")...)
	fake := llmtest.New().OnError(judge.TaskCluster, errors.New("boom"))

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 2}).Run(context.Background(), coll.Items())
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, rep.State)
	require.Len(t, rep.Rounds, 2)
	assert.Equal(t, 1, rep.Rounds[0].Failed)
}

func TestRun_InsightsRejoinPool(t *testing.T) {
	coll := seedCollection(t, raw("1", "2", "3")...)
	fake := llmtest.New().
		On(judge.TaskCluster,
			`{"clusters": [{"members": ["1", "2"]}]}`,
			`{"clusters": [{"members": ["c-0", "3"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskDuplicate, novelReply)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 2}).Run(context.Background(), coll.Items())
	require.NoError(t, err)

	assert.Equal(t, []string{"c-0", "c-1"}, rep.Insights)
	top, ok := coll.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, 2, top.Level)
	assert.Equal(t, []string{"c-0", "3"}, top.Merged)
	assert.Equal(t, 1, fake.Count(judge.TaskDuplicate))

	second := ""
	for _, p := range fake.Calls() {
		if strings.HasPrefix(p, judge.TaskCluster) {
			second = p
		}
	}
	assert.Contains(t, second, "(ID c-0)")
}

func TestRun_DuplicateMergeShowsInNextRound(t *testing.T) {
	existing := &models.Item{ID: "c-0", Description: "Keeps the inbox under control", Theme: "Email", Evidence: models.Evidence{"ev c-0"}, Merged: []string{"3"}, Level: 1}
	coll := seedCollection(t, append(raw("1", "2", "3"), existing)...)
	fake := llmtest.New().
		On(judge.TaskCluster,
			`{"clusters": [{"members": ["1", "2"]}]}`,
			`{"clusters": []}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskDuplicate, `{"judgement": true, "id": "c-0", "reason": "same"}`)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 2, DupThreshold: 1}).Run(context.Background(), coll.Items())
	require.NoError(t, err)
	require.Len(t, rep.Rounds, 2)
	assert.Equal(t, 1, rep.Rounds[0].Duplicates)

	var clusterPrompts []string
	for _, p := range fake.Calls() {
		if strings.HasPrefix(p, judge.TaskCluster) {
			clusterPrompts = append(clusterPrompts, p)
		}
	}
	require.Len(t, clusterPrompts, 2)
	assert.NotContains(t, clusterPrompts[0], "ev c-0 checks Gmail archives")
	assert.Contains(t, clusterPrompts[1], "Evidence: ev c-0 checks Gmail archives")
	assert.Contains(t, clusterPrompts[1], "Merged IDs: 3, 1, 2")
}

func TestRun_MetaNamespace(t *testing.T) {
	imported := raw("1-c-0", "2-c-3")
	for _, it := range imported {
		it.Level = 1
	}
	coll := seedCollection(t, imported...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1-c-0", "2-c-3"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 1, Namespace: "meta"}).Run(context.Background(), coll.Items())
	require.NoError(t, err)
	assert.Equal(t, []string{"meta-0"}, rep.Insights)
	assert.Zero(t, fake.Count(judge.TaskDuplicate))
	it, ok := coll.Get("meta-0")
	require.True(t, ok)
	assert.Equal(t, 2, it.Level)
}

func TestRun_ArchiveAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewSQLiteArchive(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer archive.Close()

	snapshot := filepath.Join(dir, "collection.json")
	coll := seedCollection(t, raw("1", "2")...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskDuplicate, `{"judgement": 1, "id": "c-0"}`)

	e := newEngine(t, coll, fake, Config{NumIterations: 4}, WithSnapshotPath(snapshot), WithArchive(archive, storage.KindCluster))
	rep, err := e.Run(context.Background(), coll.Items())
	require.NoError(t, err)
	assert.Equal(t, StateSaturated, rep.State)
	require.Len(t, rep.Rounds, 2)

	ctx := context.Background()
	runs, err := archive.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(StateSaturated), runs[0].State)
	assert.Equal(t, storage.KindCluster, runs[0].Kind)

	rounds, err := archive.ListRounds(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, 1, rounds[0].Counts["accepted"])
	assert.Equal(t, 3, rounds[0].CollectionSize)

	data, err := archive.Snapshot(ctx, runs[0].ID, 0)
	require.NoError(t, err)
	restored, err := collection.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, restored.Contains("c-0"))

	onDisk, err := collection.Load(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 3, onDisk.Len())
}

func TestRun_LabelInteresting(t *testing.T) {
	coll := seedCollection(t, raw("1", "2")...)
	fake := llmtest.New().
		On(judge.TaskCluster, `{"clusters": [{"members": ["1", "2"]}]}`).
		On(judge.TaskSummarize, summaryReply).
		On(judge.TaskCohesion, tightReply).
		On(judge.TaskInteresting, `{"judgement": 1, "reason": "specific"}`)

	rep, err := newEngine(t, coll, fake, Config{NumIterations: 1, LabelInteresting: true}).Run(context.Background(), coll.Items())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Labelled)
	got, _ := coll.Get("c-0")
	assert.Equal(t, 1, got.Interestingness)
	assert.Equal(t, "specific", got.Reason)
}

func TestRun_ContextCanceled(t *testing.T) {
	coll := seedCollection(t, raw("1", "2")...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, coll, llmtest.New(), Config{}).Run(ctx, coll.Items())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSeededShuffler_Deterministic(t *testing.T) {
	a, b := raw("1", "2", "3", "4", "5", "6"), raw("1", "2", "3", "4", "5", "6")
	NewSeededShuffler(123).Shuffle(a)
	NewSeededShuffler(123).Shuffle(b)
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}
