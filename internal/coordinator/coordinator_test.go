package coordinator_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/chimera-sh/factory/internal/coordinator"
	"github.com/chimera-sh/factory/internal/memory"
	"github.com/chimera-sh/factory/internal/persistence"
)

func testCoordinator(t *testing.T) (*coordinator.Coordinator, *persistence.Store, *memory.Gateway) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "factory.db"), persistence.QueueConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gateway := memory.NewGateway(store, nil, nil)
	return coordinator.New(store, gateway, nil), store, gateway
}

func runnableTask(t *testing.T, store *persistence.Store) (*persistence.Task, *persistence.Campaign) {
	t.Helper()
	ctx := context.Background()
	campaign, err := store.CreateCampaign(ctx, persistence.CampaignSpec{
		Goal:         "consistency check",
		CampaignType: "content",
		Tasks: []persistence.EnqueueSpec{
			{Skill: "trend_research", Payload: json.RawMessage(`{"topic":"defi"}`)},
		},
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := store.ActivateCampaign(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	task, err := store.LeaseTask(ctx, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil {
		t.Fatalf("expected leasable task")
	}
	if err := store.StartTask(ctx, task.ID, "worker-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return task, campaign
}

func TestCommitTaskResult_AppliesAllThreeEffects(t *testing.T) {
	coord, store, gateway := testCoordinator(t)
	ctx := context.Background()
	task, campaign := runnableTask(t, store)

	already, err := coord.CommitTaskResult(ctx, task.ID, "worker-a", json.RawMessage(`{"trends":["defi"]}`))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if already {
		t.Fatalf("first commit reported already-applied")
	}

	// 1. Queue: task is SUCCEEDED.
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}

	// 2. Ledger: one audit record for the task.
	records, err := store.ListAuditRecords(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 || records[0].TaskID != task.ID {
		t.Fatalf("expected one audit record for the task, got %+v", records)
	}

	// 3. Memory: one row queryable through the gateway.
	hits, err := gateway.Query(ctx, "defi trends", 10)
	if err != nil {
		t.Fatalf("query memory: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one memory row, got %d", len(hits))
	}

	// Outbox drained by the eager sweep.
	depth, err := store.OutboxDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected drained outbox, depth %d", depth)
	}
}

func TestCommitTaskResult_ReplayIsExactlyOnceObservable(t *testing.T) {
	coord, store, gateway := testCoordinator(t)
	ctx := context.Background()
	task, campaign := runnableTask(t, store)

	if _, err := coord.CommitTaskResult(ctx, task.ID, "worker-a", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	already, err := coord.CommitTaskResult(ctx, task.ID, "worker-a", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if !already {
		t.Fatalf("replay must report already-applied")
	}

	records, err := store.ListAuditRecords(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("replay duplicated audit records: %d", len(records))
	}
	hits, err := gateway.Query(ctx, "anything", 100)
	if err != nil {
		t.Fatalf("query memory: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("replay duplicated memory rows: %d", len(hits))
	}
}

func TestSweep_DrainsEntriesStagedByAnchor(t *testing.T) {
	coord, store, gateway := testCoordinator(t)
	ctx := context.Background()
	task, campaign := runnableTask(t, store)

	// Commit through the store directly: anchor lands, follow-ups stay
	// staged, exactly the crash-between-steps shape the sweep exists for.
	if _, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"trends":[]}`)); err != nil {
		t.Fatalf("anchor commit: %v", err)
	}
	depth, err := store.OutboxDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected 2 staged entries, got %d", depth)
	}

	applied, err := coord.Sweep(ctx, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 applied effects, got %d", applied)
	}

	records, err := store.ListAuditRecords(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected audit record after sweep, got %d", len(records))
	}
	hits, err := gateway.Query(ctx, "trends", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected memory row after sweep, got %d", len(hits))
	}
}

func TestSweep_IsIdempotentAcrossReplays(t *testing.T) {
	coord, store, _ := testCoordinator(t)
	ctx := context.Background()
	task, campaign := runnableTask(t, store)

	if _, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("anchor commit: %v", err)
	}
	for range 3 {
		if _, err := coord.Sweep(ctx, 50); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	records, err := store.ListAuditRecords(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("repeated sweeps duplicated the ledger: %d", len(records))
	}
}
