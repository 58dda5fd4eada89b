package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

// StateRunning marks a run that has not finished.
const StateRunning = "running"

// SQLiteArchive implements Archive using SQLite.
type SQLiteArchive struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ Archive = (*SQLiteArchive)(nil)

// NewSQLiteArchive opens or creates the archive database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteArchive{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS rounds (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		state TEXT NOT NULL,
		counts TEXT NOT NULL,
		labels TEXT,
		duplicate_ratio REAL NOT NULL DEFAULT 0,
		collection_size INTEGER NOT NULL DEFAULT 0,
		snapshot BLOB,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, round),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteArchive) newID(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// StartRun inserts a running run with a fresh ULID.
func (s *SQLiteArchive) StartRun(ctx context.Context, kind string) (*Run, error) {
	now := time.Now().UTC()
	id, err := s.newID(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	run := &Run{ID: id, Kind: kind, StartedAt: now, State: StateRunning}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, state, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Kind, run.State, run.StartedAt,
	)
	if err != nil {
		return nil, matomeerrors.NewPersistence("runs", err)
	}
	return run, nil
}

// RecordRound inserts or replaces a round of an existing run.
func (s *SQLiteArchive) RecordRound(ctx context.Context, round *Round) error {
	counts, err := json.Marshal(round.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	var labels []byte
	if len(round.Labels) > 0 {
		if labels, err = json.Marshal(round.Labels); err != nil {
			return fmt.Errorf("failed to marshal labels: %w", err)
		}
	}
	if round.CreatedAt.IsZero() {
		round.CreatedAt = time.Now().UTC()
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, round.RunID).Scan(&exists); err != nil {
		return matomeerrors.NewPersistence("rounds", err)
	}
	if exists == 0 {
		return matomeerrors.NewNotFound("archive", round.RunID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rounds (run_id, round, state, counts, labels, duplicate_ratio, collection_size, snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		round.RunID, round.Round, round.State, string(counts), nullString(labels),
		round.DuplicateRatio, round.CollectionSize, round.Snapshot, round.CreatedAt,
	)
	if err != nil {
		return matomeerrors.NewPersistence("rounds", err)
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// FinishRun sets the terminal state and finish time.
func (s *SQLiteArchive) FinishRun(ctx context.Context, runID, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`,
		state, time.Now().UTC(), runID,
	)
	if err != nil {
		return matomeerrors.NewPersistence("runs", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return matomeerrors.NewNotFound("archive", runID)
	}
	return nil
}

const runColumns = `r.id, r.kind, r.state, r.started_at, r.finished_at,
	(SELECT COUNT(*) FROM rounds WHERE run_id = r.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.Kind, &run.State, &run.StartedAt, &finished, &run.Rounds); err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

// GetRun returns a run by ID.
func (s *SQLiteArchive) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, matomeerrors.NewNotFound("archive", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteArchive) ListRuns(ctx context.Context, offset, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r ORDER BY r.id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRounds returns the rounds of a run in order, without snapshots.
func (s *SQLiteArchive) ListRounds(ctx context.Context, runID string) ([]*Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, round, state, counts, labels, duplicate_ratio, collection_size, created_at
		 FROM rounds WHERE run_id = ? ORDER BY round`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []*Round
	for rows.Next() {
		var r Round
		var counts string
		var labels sql.NullString
		if err := rows.Scan(&r.RunID, &r.Round, &r.State, &counts, &labels, &r.DuplicateRatio, &r.CollectionSize, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &r.Labels)
		}
		rounds = append(rounds, &r)
	}
	return rounds, rows.Err()
}

// Snapshot returns the collection snapshot stored with a round.
func (s *SQLiteArchive) Snapshot(ctx context.Context, runID string, round int) ([]byte, error) {
	var snap []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM rounds WHERE run_id = ? AND round = ?`, runID, round,
	).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, matomeerrors.NewNotFound("archive", fmt.Sprintf("%s/%d", runID, round))
	}
	return snap, err
}

// CountRuns returns the total number of runs.
func (s *SQLiteArchive) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}
