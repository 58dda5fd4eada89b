package lexical

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

const (
	bleveAnalyzer = "matome_text"
	bleveField    = "text"
	// bleveMinFetch is how many hits are pulled from bleve before the tie-break sort.
	bleveMinFetch = 50
)

// BleveIndex implements Index on an in-memory Bleve index.
// Bleve has no notion of the text for a hit, so the texts are kept alongside.
type BleveIndex struct {
	mu    sync.RWMutex
	opts  options
	index bleve.Index
	texts map[string]string
}

var _ Index = (*BleveIndex)(nil)

// NewBleveIndex creates an empty in-memory Bleve index.
func NewBleveIndex(opts ...Option) (*BleveIndex, error) {
	index, err := newMemIndex()
	if err != nil {
		return nil, err
	}
	return &BleveIndex{opts: buildOptions(opts), index: index, texts: make(map[string]string)}, nil
}

func newMemIndex() (bleve.Index, error) {
	m, err := buildMapping()
	if err != nil {
		return nil, err
	}
	index, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return index, nil
}

// buildMapping uses unicode tokenization, lowercasing, and English stopwords, with no stemming,
// matching the in-process tokenizer.
func buildMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(bleveAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name, en.StopName},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register analyzer: %w", err)
	}

	doc := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	text.Analyzer = bleveAnalyzer
	text.Store = false
	doc.AddFieldMappingsAt(bleveField, text)
	im.DefaultMapping = doc
	im.DefaultAnalyzer = bleveAnalyzer
	return im, nil
}

// Add indexes text under id.
func (b *BleveIndex) Add(id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.texts[id]; ok && !b.opts.overwrite {
		return matomeerrors.NewDuplicateID("lexical index", id)
	}
	return b.indexLocked(id, text)
}

// AddMany indexes entries in one Bleve batch.
func (b *BleveIndex) AddMany(entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.overwrite {
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if _, ok := b.texts[e.ID]; ok {
				return matomeerrors.NewDuplicateID("lexical index", e.ID)
			}
			if _, ok := seen[e.ID]; ok {
				return matomeerrors.NewDuplicateID("lexical batch", e.ID)
			}
			seen[e.ID] = struct{}{}
		}
	}
	batch := b.index.NewBatch()
	for _, e := range entries {
		if err := batch.Index(e.ID, map[string]interface{}{bleveField: e.Text}); err != nil {
			return fmt.Errorf("failed to batch %s: %w", e.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	for _, e := range entries {
		b.texts[e.ID] = e.Text
	}
	return nil
}

func (b *BleveIndex) indexLocked(id, text string) error {
	if err := b.index.Index(id, map[string]interface{}{bleveField: text}); err != nil {
		return fmt.Errorf("Bleve index %s failed: %w", id, err)
	}
	b.texts[id] = text
	return nil
}

// Update replaces the text for an existing id.
func (b *BleveIndex) Update(id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.texts[id]; !ok {
		return matomeerrors.NewNotFound("lexical index", id)
	}
	return b.indexLocked(id, text)
}

// Remove drops id from the index.
func (b *BleveIndex) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.texts[id]; !ok {
		return
	}
	if err := b.index.Delete(id); err != nil && b.opts.logger != nil {
		b.opts.logger.Warn("Bleve delete failed", zap.String("id", id), zap.Error(err))
	}
	delete(b.texts, id)
}

// Search runs a match query over the text field. Bleve's own ordering does not
// break ties by ID, so a wider window is fetched and re-sorted.
func (b *BleveIndex) Search(query string, topK int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.texts) == 0 || len(tokenize(query)) == 0 {
		return nil, nil
	}

	q := bleve.NewMatchQuery(query)
	q.SetField(bleveField)
	req := bleve.NewSearchRequest(q)
	req.Size = len(b.texts)
	if topK > 0 && topK*4 < req.Size {
		req.Size = topK * 4
		if req.Size < bleveMinFetch {
			req.Size = bleveMinFetch
		}
	}
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if h.Score <= 0 {
			continue
		}
		hits = append(hits, Hit{ID: h.ID, Text: b.texts[h.ID], Score: h.Score})
	}
	return sortHits(hits, topK), nil
}

// Len returns the number of indexed documents.
func (b *BleveIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.texts)
}

// Save writes the indexed texts to path (msgpack, same format as the BM25 backend).
func (b *BleveIndex) Save(path string) error {
	b.mu.RLock()
	docs := make(map[string]string, len(b.texts))
	for k, v := range b.texts {
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

// Load rebuilds the in-memory index from a snapshot. Missing or unreadable snapshots leave it empty.
func (b *BleveIndex) Load(path string) error {
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
		snap.Docs = nil
	}

	index, err := newMemIndex()
	if err != nil {
		return err
	}
	batch := index.NewBatch()
	for id, text := range snap.Docs {
		if err := batch.Index(id, map[string]interface{}{bleveField: text}); err != nil {
			return fmt.Errorf("failed to batch %s: %w", id, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.index
	b.index = index
	b.texts = make(map[string]string, len(snap.Docs))
	for id, text := range snap.Docs {
		b.texts[id] = text
	}
	return old.Close()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
