package vector

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/matome/internal/embedding"
)

// normTolerance is how far from 1 an embedder's norm may drift before Encode renormalizes.
const normTolerance = 1e-4

// Store pairs a VectorIndex with the embedder that produces its vectors.
type Store struct {
	VectorIndex
	embedder embedding.Embedder
}

// NewStore returns a Store. The index and embedder dimensions must agree.
func NewStore(index VectorIndex, embedder embedding.Embedder) (*Store, error) {
	if index.Dimensions() != embedder.Dimensions() {
		return nil, fmt.Errorf("dimension mismatch: index %d, embedder %d", index.Dimensions(), embedder.Dimensions())
	}
	return &Store{VectorIndex: index, embedder: embedder}, nil
}

// Encode embeds texts in one batch call and returns unit-length vectors.
func (s *Store) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if math.Abs(L2Norm(v)-1) > normTolerance {
			n := append([]float32(nil), v...)
			embedding.NormalizeL2Slice(n)
			vecs[i] = n
		}
	}
	return vecs, nil
}

// Close closes the index. The embedder is owned by the caller.
func (s *Store) Close() error {
	return s.VectorIndex.Close()
}
