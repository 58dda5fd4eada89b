package lexical

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// snapshotVersion is written into saved snapshots; mismatched files are ignored on Load.
const snapshotVersion = "1"

// BM25Index is an in-process Okapi BM25 index.
type BM25Index struct {
	mu   sync.RWMutex
	opts options

	docs       map[string]string
	postings   map[string]map[string]int // term -> id -> tf
	docLengths map[string]int
	totalLen   int64
}

var _ Index = (*BM25Index)(nil)

// NewBM25Index creates an empty BM25 index.
func NewBM25Index(opts ...Option) *BM25Index {
	idx := &BM25Index{opts: buildOptions(opts)}
	idx.reset()
	return idx
}

func (b *BM25Index) reset() {
	b.docs = make(map[string]string)
	b.postings = make(map[string]map[string]int)
	b.docLengths = make(map[string]int)
	b.totalLen = 0
}

// Add indexes text under id.
func (b *BM25Index) Add(id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.docs[id]; ok {
		if !b.opts.overwrite {
			return matomeerrors.NewDuplicateID("lexical index", id)
		}
		b.removeLocked(id)
	}
	b.addLocked(id, text)
	return nil
}

// AddMany indexes entries under one lock.
func (b *BM25Index) AddMany(entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.overwrite {
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if _, ok := b.docs[e.ID]; ok {
				return matomeerrors.NewDuplicateID("lexical index", e.ID)
			}
			if _, ok := seen[e.ID]; ok {
				return matomeerrors.NewDuplicateID("lexical batch", e.ID)
			}
			seen[e.ID] = struct{}{}
		}
	}
	for _, e := range entries {
		b.removeLocked(e.ID)
		b.addLocked(e.ID, e.Text)
	}
	return nil
}

// Update replaces the text for an existing id.
func (b *BM25Index) Update(id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.removeLocked(id) {
		return matomeerrors.NewNotFound("lexical index", id)
	}
	b.addLocked(id, text)
	return nil
}

// Remove drops id from the index.
func (b *BM25Index) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *BM25Index) addLocked(id, text string) {
	tokens := tokenize(text)
	b.docs[id] = text
	b.docLengths[id] = len(tokens)
	b.totalLen += int64(len(tokens))
	for _, tok := range tokens {
		if b.postings[tok] == nil {
			b.postings[tok] = make(map[string]int)
		}
		b.postings[tok][id]++
	}
}

func (b *BM25Index) removeLocked(id string) bool {
	text, ok := b.docs[id]
	if !ok {
		return false
	}
	for _, tok := range tokenize(text) {
		if ids, ok := b.postings[tok]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(b.postings, tok)
			}
		}
	}
	b.totalLen -= int64(b.docLengths[id])
	delete(b.docs, id)
	delete(b.docLengths, id)
	return true
}

// Search scores every document sharing a term with query.
func (b *BM25Index) Search(query string, topK int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.docs)
	if n == 0 {
		return nil, nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	avgLen := float64(b.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		ids, ok := b.postings[term]
		if !ok {
			continue
		}
		idf := b.idf(len(ids), n)
		for id, tf := range ids {
			f := float64(tf)
			dl := float64(b.docLengths[id])
			scores[id] += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		if s <= 0 {
			continue
		}
		hits = append(hits, Hit{ID: id, Text: b.docs[id], Score: s})
	}
	return sortHits(hits, topK), nil
}

// idf uses the +1 smoothed form, so it stays positive even when a term occurs in every document.
func (b *BM25Index) idf(df, n int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

// Len returns the number of indexed documents.
func (b *BM25Index) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

type bm25Snapshot struct {
	Version string
	Docs    map[string]string
}

// Save writes the document texts to path (msgpack). Postings are rebuilt on Load.
func (b *BM25Index) Save(path string) error {
	b.mu.RLock()
	docs := make(map[string]string, len(b.docs))
	for k, v := range b.docs {
		docs[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	data, err := msgpack.Marshal(&bm25Snapshot{Version: snapshotVersion, Docs: docs})
	if err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	return nil
}

// Load replaces the index contents with the snapshot at path.
// A missing, corrupt, or version-mismatched file leaves the index empty and returns nil
// so the caller can rebuild from the collection.
func (b *BM25Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read lexical snapshot: %w", err)
	}
	var snap bm25Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil || snap.Version != snapshotVersion {
		if b.opts.logger != nil {
			b.opts.logger.Warn("ignoring lexical snapshot", zap.String("path", path), zap.Error(err))
		}
		b.mu.Lock()
		b.reset()
		b.mu.Unlock()
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	for id, text := range snap.Docs {
		b.addLocked(id, text)
	}
	return nil
}

// Close is a no-op for the in-process index.
func (b *BM25Index) Close() error {
	return nil
}
