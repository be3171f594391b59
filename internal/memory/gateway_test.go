package memory_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/chimera-sh/factory/internal/memory"
	"github.com/chimera-sh/factory/internal/persistence"
)

func testGateway(t *testing.T) *memory.Gateway {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "factory.db"), persistence.QueueConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return memory.NewGateway(store, nil, nil)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := memory.NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "defi trends on twitter")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(context.Background(), "defi trends on twitter")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected dim 64, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestGateway_QueryRanksBySimilarity(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	rows := map[string]string{
		"mem:defi":    "defi yield farming trends on twitter",
		"mem:nfts":    "nft mint schedule and collector engagement",
		"mem:weather": "rain forecast for the weekend hiking trip",
	}
	for key, text := range rows {
		if err := g.Upsert(ctx, key, text, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}

	hits, err := g.Query(ctx, "defi twitter yield trends", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Key != "mem:defi" {
		t.Fatalf("expected mem:defi to rank first, got %s (%f)", hits[0].Key, hits[0].Score)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("hits not sorted by score: %f then %f", hits[0].Score, hits[1].Score)
	}
}

func TestGateway_UpsertReplayConverges(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	for range 3 {
		if err := g.Upsert(ctx, "mem:defi", "defi trends", json.RawMessage(`{"n":1}`)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	hits, err := g.Query(ctx, "defi trends", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("replayed upsert duplicated rows: %d", len(hits))
	}
}

func TestGateway_SkipsMismatchedDimensions(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	if err := g.UpsertVector(ctx, "mem:short", []float32{1, 0}, nil); err != nil {
		t.Fatalf("upsert vector: %v", err)
	}
	if err := g.Upsert(ctx, "mem:ok", "normal row", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := g.Query(ctx, "normal row", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "mem:ok" {
		t.Fatalf("expected only the matching-dimension row, got %+v", hits)
	}
}
