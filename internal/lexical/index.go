// Package lexical provides BM25 keyword retrieval over item descriptions.
package lexical

import (
	"fmt"

	"go.uber.org/zap"
)

// Hit is a single lexical search result.
type Hit struct {
	ID    string
	Text  string
	Score float64
}

// Entry is one (id, text) pair for AddMany.
type Entry struct {
	ID   string
	Text string
}

// Index defines the lexical retrieval operations used by the merge engine.
type Index interface {
	// Add indexes text under id. Fails with DUPLICATE_ID if id exists, unless the
	// index was built WithOverwrite.
	Add(id, text string) error
	// AddMany indexes entries; the duplicate check covers the whole batch before anything is added.
	AddMany(entries []Entry) error
	// Update replaces the text for id. Fails with NOT_FOUND if id is absent.
	Update(id, text string) error
	// Remove drops id; no-op when absent.
	Remove(id string)
	// Search returns up to topK hits with score > 0, ordered by score descending then ID ascending.
	// topK <= 0 returns every hit.
	Search(query string, topK int) ([]Hit, error)
	Len() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// Option configures an Index.
type Option func(*options)

type options struct {
	overwrite bool
	logger    *zap.Logger
}

// WithOverwrite makes Add and AddMany replace existing entries instead of failing.
func WithOverwrite() Option {
	return func(o *options) { o.overwrite = true }
}

// WithLogger sets the logger for snapshot load diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// New creates a lexical index of the given kind ("bm25" or "bleve").
func New(kind string, opts ...Option) (Index, error) {
	switch kind {
	case "", "bm25":
		return NewBM25Index(opts...), nil
	case "bleve":
		return NewBleveIndex(opts...)
	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (supported: bm25, bleve)", kind)
	}
}
