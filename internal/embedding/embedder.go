// Package embedding provides sentence embedders used by the vector pre-filter.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/matome/internal/config"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New builds the embedder selected by cfg.Provider, wrapped in an LRU cache when cfg.CacheSize > 0.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "mock":
		e = NewMockEmbedder(cfg.Dimensions)
	case "onnx", "":
		e, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case "openai":
		e, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: onnx, openai, mock)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(e, cfg.CacheSize), nil
	}
	return e, nil
}
