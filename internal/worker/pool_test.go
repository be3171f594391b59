package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chimera-sh/factory/internal/campaign"
	"github.com/chimera-sh/factory/internal/coordinator"
	"github.com/chimera-sh/factory/internal/memory"
	"github.com/chimera-sh/factory/internal/persistence"
	"github.com/chimera-sh/factory/internal/skills"
	"github.com/chimera-sh/factory/internal/worker"
)

type scriptedSkill struct {
	name  string
	calls int
	fn    func(call int) (json.RawMessage, error)
}

func (s *scriptedSkill) Name() string { return s.name }

func (s *scriptedSkill) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	s.calls++
	return s.fn(s.calls)
}

const passthroughContract = `{
	"skill": "%s",
	"input_schema": {"type": "object"},
	"output_schema": {
		"type": "object",
		"required": ["ok"],
		"properties": {"ok": {"type": "boolean"}}
	}
}`

type fixture struct {
	store    *persistence.Store
	registry *skills.Registry
	pool     *worker.Pool
	mgr      *campaign.Manager
}

func newFixture(t *testing.T, queue persistence.QueueConfig) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "factory.db"), queue, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := skills.NewRegistry()
	gateway := memory.NewGateway(store, nil, nil)
	coord := coordinator.New(store, gateway, nil)
	mgr := campaign.NewManager(store, nil, nil)
	invoker := skills.NewInvoker(registry, 2*time.Second, nil)
	pool := worker.NewPool(store, invoker, coord, mgr, worker.Config{Concurrency: 1}, nil)
	return &fixture{store: store, registry: registry, pool: pool, mgr: mgr}
}

func (f *fixture) registerScripted(t *testing.T, name string, fn func(call int) (json.RawMessage, error)) *scriptedSkill {
	t.Helper()
	contract, err := skills.CompileContract(json.RawMessage(fmt.Sprintf(passthroughContract, name)))
	if err != nil {
		t.Fatalf("compile contract: %v", err)
	}
	skill := &scriptedSkill{name: name, fn: fn}
	if err := f.registry.Register(skill, contract); err != nil {
		t.Fatalf("register: %v", err)
	}
	return skill
}

func (f *fixture) launchCampaign(t *testing.T, specs ...persistence.EnqueueSpec) *persistence.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.store.CreateCampaign(ctx, persistence.CampaignSpec{
		Goal: "exercise the pipeline", CampaignType: "content", Tasks: specs,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := f.store.ActivateCampaign(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return c
}

func (f *fixture) drain(t *testing.T, maxSteps int) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for steps := 0; steps < maxSteps; {
		if time.Now().After(deadline) {
			t.Fatalf("drain timed out after %d steps", steps)
		}
		worked, err := f.pool.ProcessOne(ctx, "")
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if worked {
			steps++
			continue
		}
		pending, inFlight, _, err := f.store.QueueCounts(ctx)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if pending == 0 && inFlight == 0 {
			return
		}
		// Work exists but is in a backoff window.
		time.Sleep(25 * time.Millisecond)
	}
}

func TestPool_ThreeTaskCampaignWithOneRetry(t *testing.T) {
	f := newFixture(t, persistence.QueueConfig{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	steady := func(call int) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	f.registerScripted(t, "skill_a", steady)
	flaky := f.registerScripted(t, "skill_b", func(call int) (json.RawMessage, error) {
		if call == 1 {
			return nil, errors.New("transient upstream blip")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	f.registerScripted(t, "skill_c", steady)

	c := f.launchCampaign(t,
		persistence.EnqueueSpec{Skill: "skill_a", Payload: json.RawMessage(`{"n":1}`)},
		persistence.EnqueueSpec{Skill: "skill_b", Payload: json.RawMessage(`{"n":2}`)},
		persistence.EnqueueSpec{Skill: "skill_c", Payload: json.RawMessage(`{"n":3}`)},
	)
	f.drain(t, 10)

	if flaky.calls != 2 {
		t.Fatalf("flaky skill should run twice, ran %d times", flaky.calls)
	}
	got, err := f.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != persistence.CampaignStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}

	records, err := f.store.ListAuditRecords(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Sequence <= records[i-1].Sequence {
			t.Fatalf("audit sequence not increasing")
		}
	}
}

func TestPool_ContractViolationFailsFastAndFailsCampaign(t *testing.T) {
	f := newFixture(t, persistence.QueueConfig{MaxRetries: 3, BaseBackoff: time.Millisecond})
	misbehaving := f.registerScripted(t, "skill_bad", func(call int) (json.RawMessage, error) {
		return json.RawMessage(`{"wrong_shape":1}`), nil
	})

	c := f.launchCampaign(t,
		persistence.EnqueueSpec{Skill: "skill_bad", Payload: json.RawMessage(`{}`)},
	)
	f.drain(t, 5)

	if misbehaving.calls != 1 {
		t.Fatalf("contract violation must not retry, ran %d times", misbehaving.calls)
	}
	tasks, err := f.store.ListTasksByCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if tasks[0].Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", tasks[0].Status)
	}
	if tasks[0].LastErrorCode != persistence.ReasonFatalContract {
		t.Fatalf("expected contract reason code, got %q", tasks[0].LastErrorCode)
	}
	got, err := f.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != persistence.CampaignStatusFailed {
		t.Fatalf("expected FAILED campaign, got %s", got.Status)
	}

	// No result committed, no audit record, no memory row.
	records, err := f.store.ListAuditRecords(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("failed task must not reach the ledger, got %d records", len(records))
	}
}

func TestPool_ExhaustedRetriesDeadLetterFailsCampaign(t *testing.T) {
	f := newFixture(t, persistence.QueueConfig{
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	broken := f.registerScripted(t, "skill_broken", func(call int) (json.RawMessage, error) {
		return nil, errors.New("always down")
	})

	c := f.launchCampaign(t,
		persistence.EnqueueSpec{Skill: "skill_broken", Payload: json.RawMessage(`{}`)},
	)
	f.drain(t, 5)

	if broken.calls != 2 {
		t.Fatalf("expected initial run plus one retry, got %d", broken.calls)
	}
	tasks, err := f.store.ListTasksByCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if tasks[0].Status != persistence.TaskStatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER, got %s", tasks[0].Status)
	}
	got, err := f.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != persistence.CampaignStatusFailed {
		t.Fatalf("expected FAILED campaign, got %s", got.Status)
	}
}

func TestPool_CancellationMidCampaign(t *testing.T) {
	f := newFixture(t, persistence.QueueConfig{})
	f.registerScripted(t, "skill_a", func(call int) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	skipped := f.registerScripted(t, "skill_never", func(call int) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	ctx := context.Background()
	c := f.launchCampaign(t,
		persistence.EnqueueSpec{Skill: "skill_a", Payload: json.RawMessage(`{}`), Priority: 10},
		persistence.EnqueueSpec{Skill: "skill_never", Payload: json.RawMessage(`{}`)},
	)

	// Run the first task, then cancel before the second can lease.
	worked, err := f.pool.ProcessOne(ctx, "worker-a")
	if err != nil || !worked {
		t.Fatalf("process first task: worked=%t err=%v", worked, err)
	}
	if err := f.mgr.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	worked, err = f.pool.ProcessOne(ctx, "worker-a")
	if err != nil {
		t.Fatalf("process after cancel: %v", err)
	}
	if worked || skipped.calls != 0 {
		t.Fatalf("cancelled campaign leaked work: worked=%t calls=%d", worked, skipped.calls)
	}

	tasks, err := f.store.ListTasksByCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var succeeded, canceled int
	for _, task := range tasks {
		switch task.Status {
		case persistence.TaskStatusSucceeded:
			succeeded++
		case persistence.TaskStatusCanceled:
			canceled++
		}
	}
	if succeeded != 1 || canceled != 1 {
		t.Fatalf("expected 1 succeeded + 1 canceled, got %d/%d", succeeded, canceled)
	}

	// The completed task's audit record survives cancellation.
	records, err := f.store.ListAuditRecords(ctx, c.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the finished task's audit record, got %d", len(records))
	}
}

func TestPool_RedeliverySkipsExecution(t *testing.T) {
	f := newFixture(t, persistence.QueueConfig{})
	counted := f.registerScripted(t, "skill_a", func(call int) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	c := f.launchCampaign(t,
		persistence.EnqueueSpec{Skill: "skill_a", Payload: json.RawMessage(`{}`)},
	)
	ctx := context.Background()

	worked, err := f.pool.ProcessOne(ctx, "worker-a")
	if err != nil || !worked {
		t.Fatalf("first delivery: worked=%t err=%v", worked, err)
	}

	// Force the succeeded task back into the queue, as if its terminal
	// transition had been lost before the lease expired.
	tasks, err := f.store.ListTasksByCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if _, err := f.store.DB().Exec(`
		UPDATE tasks SET status = 'PENDING', available_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, tasks[0].ID); err != nil {
		t.Fatalf("force requeue: %v", err)
	}

	worked, err = f.pool.ProcessOne(ctx, "worker-b")
	if err != nil || !worked {
		t.Fatalf("re-delivery: worked=%t err=%v", worked, err)
	}
	if counted.calls != 1 {
		t.Fatalf("re-delivery must not re-execute, ran %d times", counted.calls)
	}
	got, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusSucceeded {
		t.Fatalf("expected SUCCEEDED after re-delivery, got %s", got.Status)
	}
}
