// Package vector provides the cosine-similarity pre-filter over item embeddings.
package vector

// VectorIndex stores unit-length vectors by ID and answers novelty queries against them.
type VectorIndex interface {
	// Add inserts vec under id. Fails with DUPLICATE_ID if id exists.
	Add(id string, vec []float32) error
	// MaxSimilarity returns the highest cosine similarity to any stored vector, or -Inf when empty.
	MaxSimilarity(vec []float32) float64
	// IsNew reports whether the index is empty or MaxSimilarity(vec) < threshold.
	IsNew(vec []float32, threshold float64) bool
	// AddIfNew inserts vec only if IsNew; returns whether it was inserted.
	AddIfNew(id string, vec []float32, threshold float64) (bool, error)
	// BatchAddIfNew applies AddIfNew in order, so later entries are compared against earlier survivors.
	BatchAddIfNew(ids []string, vecs [][]float32, threshold float64) ([]bool, error)
	Search(query []float32, k int) ([]*VectorResult, error)
	// Remove drops id; no-op when absent.
	Remove(id string)
	Contains(id string) bool
	Len() int
	Dimensions() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID    string
	Score float64 // cosine similarity for unit vectors
}
