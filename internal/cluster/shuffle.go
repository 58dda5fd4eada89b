package cluster

import (
	"math/rand"

	"github.com/hyperjump/matome/internal/models"
)

// Shuffler reorders the pool between rounds.
type Shuffler interface {
	Shuffle(items []*models.Item)
}

// SeededShuffler is a deterministic Fisher-Yates shuffle.
type SeededShuffler struct {
	rng *rand.Rand
}

// NewSeededShuffler returns a shuffler whose sequence depends only on seed.
func NewSeededShuffler(seed int64) *SeededShuffler {
	return &SeededShuffler{rng: rand.New(rand.NewSource(seed))}
}

// Shuffle permutes items in place.
func (s *SeededShuffler) Shuffle(items []*models.Item) {
	s.rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}

// KeepOrder leaves the pool as it is.
type KeepOrder struct{}

// Shuffle does nothing.
func (KeepOrder) Shuffle([]*models.Item) {}
