// Package storage persists the run history of merge and cluster runs.
package storage

import (
	"context"
	"time"
)

// Run kinds.
const (
	KindMerge   = "merge"
	KindCluster = "cluster"
	KindMeta    = "meta"
)

// Run is one merge, cluster, or meta invocation.
type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// State is "running" until finished, then the terminal state (e.g. SATURATED, EXHAUSTED, DONE, FAILED).
	State  string `json:"state"`
	Rounds int    `json:"rounds"`
}

// Round is the outcome of one cluster round or one merge batch.
type Round struct {
	RunID          string            `json:"run_id"`
	Round          int               `json:"round"`
	State          string            `json:"state"`
	Counts         map[string]int    `json:"counts"`
	DuplicateRatio float64           `json:"duplicate_ratio"`
	CollectionSize int               `json:"collection_size"`
	Snapshot       []byte            `json:"-"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Archive records runs and their rounds.
type Archive interface {
	StartRun(ctx context.Context, kind string) (*Run, error)
	RecordRound(ctx context.Context, round *Round) error
	FinishRun(ctx context.Context, runID, state string) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, offset, limit int) ([]*Run, error)
	ListRounds(ctx context.Context, runID string) ([]*Round, error)
	// Snapshot returns the collection snapshot stored with a round.
	Snapshot(ctx context.Context, runID string, round int) ([]byte, error)
	CountRuns(ctx context.Context) (int64, error)

	Close() error
}
