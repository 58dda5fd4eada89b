package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/models"
)

// Retired returns the IDs folded into a SIMILAR-band synthesis. They stay in the
// collection but no longer take part in lexical retrieval.
func Retired(items []*models.Item) map[string]bool {
	out := make(map[string]bool)
	for _, it := range items {
		if it.Level != 0 {
			continue
		}
		for _, m := range it.Merged {
			out[m] = true
		}
	}
	return out
}

// Eligible returns the raw items that take part in lexical retrieval.
func Eligible(items []*models.Item) []*models.Item {
	retired := Retired(items)
	out := make([]*models.Item, 0, len(items))
	for _, it := range items {
		if it.Level == 0 && !retired[it.ID] {
			out = append(out, it)
		}
	}
	return out
}

// Rebuild reconciles both indices with the collection: every raw item gets a vector,
// eligible items are indexed lexically, and retired items are removed from the lexical index.
// Items already indexed are left alone. Returns the number of vectors added.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := e.coll.Items()
	var missing []*models.Item
	for _, it := range items {
		if it.Level == 0 && !e.vectors.Contains(it.ID) {
			missing = append(missing, it)
		}
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, it := range missing {
			texts[i] = it.Description
		}
		vecs, err := e.vectors.Encode(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to encode collection: %w", err)
		}
		for i, it := range missing {
			if err := e.vectors.Add(it.ID, vecs[i]); err != nil {
				return 0, fmt.Errorf("failed to index %s: %w", it.ID, err)
			}
		}
	}

	for id := range Retired(items) {
		e.lex.Remove(id)
	}
	for _, it := range Eligible(items) {
		err := e.lex.Add(it.ID, it.Description)
		if err != nil && !matomeerrors.Is(err, matomeerrors.ErrDuplicateID) {
			return 0, fmt.Errorf("failed to index %s lexically: %w", it.ID, err)
		}
	}
	e.debug("indices rebuilt", zap.Int("vectors_added", len(missing)), zap.Int("lexical", e.lex.Len()))
	return len(missing), nil
}
