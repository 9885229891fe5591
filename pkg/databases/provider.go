// Package databases contains the vector store providers shared by the
// retrieval engine and the memory store.
package databases

import (
	"context"
	"fmt"

	"github.com/nimbuschat/nimbus/pkg/config"
)

// SearchResult is one scored point from a vector search.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]any
}

// Provider is a vector database. Collections are created lazily on first
// upsert. Metadata values should be scalars; filters match on equality of
// their string form.
type Provider interface {
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchResult, error)
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, id string) error
	Close() error
}

// NewFromConfig builds the configured provider.
func NewFromConfig(cfg config.VectorStoreConfig) (Provider, error) {
	switch cfg.Provider {
	case config.VectorStoreChromem:
		return NewChromemProvider(ChromemConfig{PersistPath: cfg.Persist})
	case config.VectorStoreQdrant:
		return NewQdrantProvider(cfg.Host, cfg.Port)
	default:
		return nil, fmt.Errorf("unknown vector store provider %q", cfg.Provider)
	}
}
