package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/tghub/tghub/internal/provider"
)

// EmbeddingCache stores embeddings keyed by model and content hash so that
// re-indexing unchanged text costs no API calls.
type EmbeddingCache struct {
	db *pebble.DB
}

// OpenEmbeddingCache opens (or creates) a pebble store at dir.
func OpenEmbeddingCache(dir string) (*EmbeddingCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &EmbeddingCache{db: db}, nil
}

func cacheKey(model, text string) []byte {
	h := sha256.Sum256([]byte(text))
	return append([]byte("emb:"+model+":"), h[:]...)
}

// Get returns the cached vector, if any.
func (c *EmbeddingCache) Get(model, text string) ([]float32, bool, error) {
	val, closer, err := c.db.Get(cacheKey(model, text))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	// val is only valid until closer.Close; decode copies it.
	vec := decodeFloat32s(val)
	return vec, vec != nil, nil
}

// Put stores a vector.
func (c *EmbeddingCache) Put(model, text string, vec []float32) error {
	return c.db.Set(cacheKey(model, text), encodeFloat32s(vec), pebble.NoSync)
}

// Close flushes and closes the store.
func (c *EmbeddingCache) Close() error {
	if err := c.db.Flush(); err != nil {
		slog.Warn("Embedding cache flush failed", "error", err)
	}
	return c.db.Close()
}

// CachedEmbedder consults Cache before calling Embedder.
type CachedEmbedder struct {
	Embedder provider.Embedder
	Cache    *EmbeddingCache
	Model    string
}

func (e *CachedEmbedder) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = e.Model
	}
	if e.Cache != nil {
		if vec, ok, err := e.Cache.Get(model, req.Input); err != nil {
			slog.Warn("Embedding cache read failed", "error", err)
		} else if ok {
			return &provider.EmbeddingResponse{Vector: vec}, nil
		}
	}
	resp, err := e.Embedder.Embed(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.Cache != nil {
		if err := e.Cache.Put(model, req.Input, resp.Vector); err != nil {
			slog.Warn("Embedding cache write failed", "error", err)
		}
	}
	return resp, nil
}
