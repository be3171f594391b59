package persistence_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chimera-sh/factory/internal/persistence"
)

func TestCommitResult_RecordsResultAndStagesOutbox(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	newActiveCampaign(t, store,
		persistence.EnqueueSpec{Skill: "trend_research", Payload: json.RawMessage(`{}`)},
	)

	task := leaseAndStart(t, store, "worker-a")
	already, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"trends":["defi"]}`))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if already {
		t.Fatalf("first commit must not report already-applied")
	}

	result, err := store.LookupResult(ctx, task.IdempotencyKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a committed result")
	}
	if result.TaskID != task.ID {
		t.Fatalf("result owned by wrong task: %s", result.TaskID)
	}
	if result.ContentHash == "" {
		t.Fatalf("expected a content hash")
	}

	// One audit entry and one memory entry staged in the same transaction.
	entries, err := store.ListOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 outbox entries, got %d", len(entries))
	}
	kinds := map[string]bool{}
	for _, entry := range entries {
		kinds[entry.Kind] = true
		if entry.TaskID != task.ID {
			t.Fatalf("outbox entry for wrong task: %s", entry.TaskID)
		}
	}
	if !kinds["audit"] || !kinds["memory"] {
		t.Fatalf("expected audit and memory kinds, got %v", kinds)
	}
}

func TestCommitResult_RedeliveryIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	campaign := newActiveCampaign(t, store,
		persistence.EnqueueSpec{Skill: "trend_research", Payload: json.RawMessage(`{}`)},
	)

	task := leaseAndStart(t, store, "worker-a")
	if _, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A re-delivered duplicate commits again; the stored result must not
	// change and no new follow-up effects may be staged.
	already, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}
	if !already {
		t.Fatalf("duplicate commit must report already-applied")
	}

	result, err := store.LookupResult(ctx, task.IdempotencyKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(result.Result) != `{"v":1}` {
		t.Fatalf("first-committed result was overwritten: %s", result.Result)
	}

	entries, err := store.ListOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("duplicate commit staged extra outbox entries: %d", len(entries))
	}
	_ = campaign
}

func TestCommitResult_RejectsForeignLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	newActiveCampaign(t, store,
		persistence.EnqueueSpec{Skill: "trend_research", Payload: json.RawMessage(`{}`)},
	)

	task := leaseAndStart(t, store, "worker-a")
	if _, err := store.CommitResult(ctx, task.ID, "worker-b", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected commit by non-holder to fail")
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusRunning {
		t.Fatalf("rejected commit changed task state to %s", got.Status)
	}
}

func TestOutbox_ResolveAndDefer(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	newActiveCampaign(t, store,
		persistence.EnqueueSpec{Skill: "trend_research", Payload: json.RawMessage(`{}`)},
	)
	task := leaseAndStart(t, store, "worker-a")
	if _, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := store.ListOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if err := store.DeferOutboxEntry(ctx, entries[0].ID, context.DeadlineExceeded); err != nil {
		t.Fatalf("defer: %v", err)
	}
	deferred, err := store.ListOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list after defer: %v", err)
	}
	if deferred[0].Attempts != 1 || deferred[0].LastError == "" {
		t.Fatalf("defer must record attempt and error, got %+v", deferred[0])
	}

	for _, entry := range deferred {
		if err := store.ResolveOutboxEntry(ctx, entry.ID); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	depth, err := store.OutboxDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected drained outbox, got depth %d", depth)
	}
}
