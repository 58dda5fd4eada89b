package storage

import (
	"context"
	"path/filepath"
	"testing"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

func openArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := NewSQLiteArchive(filepath.Join(t.TempDir(), "nested", "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSQLiteArchive_RunLifecycle(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	run, err := a.StartRun(ctx, KindCluster)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.ID) != 26 {
		t.Errorf("expected a 26-char ULID, got %q", run.ID)
	}
	if run.State != StateRunning {
		t.Errorf("state = %s, want %s", run.State, StateRunning)
	}

	for i := 0; i < 2; i++ {
		r := &Round{
			RunID:          run.ID,
			Round:          i,
			State:          "COMMITTING",
			Counts:         map[string]int{"accepted": 2 - i, "duplicates": i},
			DuplicateRatio: float64(i) / 2,
			CollectionSize: 5 + i,
			Snapshot:       []byte(`{"0":{}}`),
			Labels:         map[string]string{"namespace": "c"},
		}
		if err := a.RecordRound(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.FinishRun(ctx, run.ID, "SATURATED"); err != nil {
		t.Fatal(err)
	}

	got, err := a.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "SATURATED" || got.Rounds != 2 || got.FinishedAt.IsZero() {
		t.Errorf("got %+v", got)
	}

	rounds, err := a.ListRounds(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	if rounds[1].Counts["duplicates"] != 1 || rounds[1].DuplicateRatio != 0.5 || rounds[1].Labels["namespace"] != "c" {
		t.Errorf("round 1 = %+v", rounds[1])
	}

	snap, err := a.Snapshot(ctx, run.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(snap) != `{"0":{}}` {
		t.Errorf("snapshot = %s", snap)
	}
}

func TestSQLiteArchive_ListRunsNewestFirst(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	first, _ := a.StartRun(ctx, KindMerge)
	second, _ := a.StartRun(ctx, KindMerge)
	if second.ID <= first.ID {
		t.Fatalf("run ids not monotonic: %s then %s", first.ID, second.ID)
	}

	runs, err := a.ListRuns(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Errorf("got %+v", runs)
	}
	n, err := a.CountRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountRuns = %d, want 2", n)
	}
}

func TestSQLiteArchive_NotFound(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	if _, err := a.GetRun(ctx, "missing"); !matomeerrors.Is(err, matomeerrors.ErrNotFound) {
		t.Errorf("GetRun: expected NOT_FOUND, got %v", err)
	}
	if err := a.FinishRun(ctx, "missing", "DONE"); !matomeerrors.Is(err, matomeerrors.ErrNotFound) {
		t.Errorf("FinishRun: expected NOT_FOUND, got %v", err)
	}
	if err := a.RecordRound(ctx, &Round{RunID: "missing", Counts: map[string]int{}}); !matomeerrors.Is(err, matomeerrors.ErrNotFound) {
		t.Errorf("RecordRound: expected NOT_FOUND, got %v", err)
	}
	if _, err := a.Snapshot(ctx, "missing", 0); !matomeerrors.Is(err, matomeerrors.ErrNotFound) {
		t.Errorf("Snapshot: expected NOT_FOUND, got %v", err)
	}
}
