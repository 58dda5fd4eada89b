package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
)

// Merger consumes parsed batches. *merge.Engine satisfies it.
type Merger interface {
	ProcessBatch(ctx context.Context, candidates []models.Candidate) (*merge.BatchReport, error)
}

// Inbox turns batch files into merge calls. A file whose content was already
// merged is skipped, so rewrites with identical bytes are free.
type Inbox struct {
	merger Merger
	logger *zap.Logger
	onDone func(path string, report *merge.BatchReport)

	mu   sync.Mutex
	seen map[string]string
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxLogger sets the logger.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(in *Inbox) { in.logger = l }
}

// OnBatch registers a callback run after each merged file.
func OnBatch(fn func(path string, report *merge.BatchReport)) InboxOption {
	return func(in *Inbox) { in.onDone = fn }
}

// NewInbox returns an Inbox feeding m.
func NewInbox(m Merger, opts ...InboxOption) *Inbox {
	in := &Inbox{merger: m, logger: zap.NewNop(), seen: make(map[string]string)}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Handle reads, parses, and merges one batch file. It matches Handler.
func (in *Inbox) Handle(ctx context.Context, path string) {
	if _, err := in.Process(ctx, path); err != nil {
		in.logger.Warn("batch file failed", zap.String("path", path), zap.Error(err))
	}
}

// Process merges the batch in path. It returns a nil report when the content was already merged.
func (in *Inbox) Process(ctx context.Context, path string) (*merge.BatchReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.seen[path] == digest {
		in.logger.Debug("batch file unchanged", zap.String("path", path))
		return nil, nil
	}
	candidates, err := models.ParseBatch(data)
	if err != nil {
		return nil, err
	}
	report, err := in.merger.ProcessBatch(ctx, candidates)
	if err != nil {
		return nil, err
	}
	in.seen[path] = digest
	in.logger.Info("merged batch file",
		zap.String("path", path),
		zap.Int("added", len(report.AddedIDs)),
		zap.Int("identical", report.Identical),
		zap.Int("prefiltered", report.Prefiltered))
	if in.onDone != nil {
		in.onDone(path, report)
	}
	return report, nil
}
