package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryRecords_UpsertLastWriteWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertMemoryRecord(ctx, "campaign:1:trends", []float32{0.1, 0.2}, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertMemoryRecord(ctx, "campaign:1:trends", []float32{0.3, 0.4}, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetMemoryRecord(ctx, "campaign:1:trends")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a record")
	}
	if got.Embedding[0] != 0.3 || string(got.Metadata) != `{"v":2}` {
		t.Fatalf("last write did not win: %+v", got)
	}

	all, err := store.ListMemoryRecords(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("upsert created a duplicate row: %d", len(all))
	}
}

func TestMemoryRecords_GetMissingReturnsNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetMemoryRecord(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}

func TestMemoryRecords_Delete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.UpsertMemoryRecord(ctx, "k", []float32{1}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteMemoryRecord(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.GetMemoryRecord(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("record survived delete")
	}
}
