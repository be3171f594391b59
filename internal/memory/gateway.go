// Package memory is the semantic memory gateway: content-hash keyed embedding
// rows with cosine-ranked retrieval. Ranking happens in process over rows the
// store hands back.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/chimera-sh/factory/internal/persistence"
)

// Embedder turns text into a fixed-dimension vector. The default is a local
// deterministic feature hasher; a remote embedding model can be dropped in
// behind the same interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Gateway mediates all memory reads and writes.
type Gateway struct {
	store    *persistence.Store
	embedder Embedder
	logger   *slog.Logger
}

func NewGateway(store *persistence.Store, embedder Embedder, logger *slog.Logger) *Gateway {
	if embedder == nil {
		embedder = NewHashEmbedder(DefaultDim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, embedder: embedder, logger: logger}
}

// Upsert embeds the text and writes the row under key. Re-upserting the same
// key replaces the row, so replays converge instead of duplicating.
func (g *Gateway) Upsert(ctx context.Context, key, text string, metadata json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("memory upsert: key required")
	}
	embedding, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed for %s: %w", key, err)
	}
	return g.store.UpsertMemoryRecord(ctx, key, embedding, metadata)
}

// UpsertVector writes a precomputed embedding under key.
func (g *Gateway) UpsertVector(ctx context.Context, key string, embedding []float32, metadata json.RawMessage) error {
	return g.store.UpsertMemoryRecord(ctx, key, embedding, metadata)
}

// Hit is one ranked query result.
type Hit struct {
	Key      string          `json:"key"`
	Score    float64         `json:"score"`
	Metadata json.RawMessage `json:"metadata"`
}

// Query embeds the text and returns the k nearest rows by cosine similarity,
// best first. Rows whose dimension does not match the query are skipped.
func (g *Gateway) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	embedding, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return g.QueryVector(ctx, embedding, k)
}

// QueryVector ranks stored rows against a precomputed query vector.
func (g *Gateway) QueryVector(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	records, err := g.store.ListMemoryRecords(ctx)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != len(embedding) {
			g.logger.Warn("memory row dimension mismatch", "key", rec.Key,
				"row_dim", len(rec.Embedding), "query_dim", len(embedding))
			continue
		}
		hits = append(hits, Hit{
			Key:      rec.Key,
			Score:    cosine(embedding, rec.Embedding),
			Metadata: rec.Metadata,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Forget removes a row.
func (g *Gateway) Forget(ctx context.Context, key string) error {
	return g.store.DeleteMemoryRecord(ctx, key)
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
