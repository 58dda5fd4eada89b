package vector

import (
	"fmt"

	"github.com/hyperjump/matome/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory is the in-memory slab index.
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "memory" (default).
func NewVectorIndex(indexType string, dimensions int, opts ...MemoryOption) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, opts...)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory)", indexType)
	}
}

// NewFromConfig creates the memory index sized by cfg.
func NewFromConfig(cfg config.VectorConfig, dimensions int) (VectorIndex, error) {
	return NewVectorIndex(string(IndexTypeMemory), dimensions,
		WithInitialCapacity(cfg.InitialCapacity),
		WithGrowChunk(cfg.GrowChunk),
	)
}
