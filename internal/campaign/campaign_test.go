package campaign_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/chimera-sh/factory/internal/campaign"
	"github.com/chimera-sh/factory/internal/persistence"
)

func testManager(t *testing.T) (*campaign.Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "factory.db"), persistence.QueueConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return campaign.NewManager(store, nil, nil), store
}

func TestDecompose_FixedGraphPerType(t *testing.T) {
	cases := []struct {
		typ        campaign.Type
		wantSkills []string
	}{
		{campaign.TypeResearch, []string{"trend_research"}},
		{campaign.TypeContent, []string{"trend_research", "content_generate"}},
		{campaign.TypeEngagement, []string{"trend_research", "content_generate", "engagement_manage"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			tasks, err := campaign.Decompose(campaign.Goal{Type: tc.typ, Text: "push the token", Topic: "defi"})
			if err != nil {
				t.Fatalf("decompose: %v", err)
			}
			if len(tasks) != len(tc.wantSkills) {
				t.Fatalf("expected %d tasks, got %d", len(tc.wantSkills), len(tasks))
			}
			for i, want := range tc.wantSkills {
				if tasks[i].Skill != want {
					t.Fatalf("task %d: expected %s, got %s", i, want, tasks[i].Skill)
				}
			}
		})
	}
}

func TestDecompose_RejectsUnknownType(t *testing.T) {
	_, err := campaign.Decompose(campaign.Goal{Type: "takeover", Text: "x"})
	if err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDecompose_EngagementFollowUpIsOptional(t *testing.T) {
	tasks, err := campaign.Decompose(campaign.Goal{Type: campaign.TypeEngagement, Text: "reply to mentions"})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	var optional int
	for _, task := range tasks {
		if task.Optional {
			optional++
			if task.Skill != "engagement_manage" {
				t.Fatalf("unexpected optional task %s", task.Skill)
			}
		}
	}
	if optional != 1 {
		t.Fatalf("expected exactly one optional task, got %d", optional)
	}
}

type stubDirectory struct {
	allowed map[string]bool
}

func (d *stubDirectory) CanExecute(_ context.Context, _ []string, skill string) (bool, error) {
	return d.allowed[skill], nil
}

func TestCreate_EnforcesAgentCapabilities(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "factory.db"), persistence.QueueConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	mgr := campaign.NewManager(store, &stubDirectory{allowed: map[string]bool{"trend_research": true}}, nil)
	_, err = mgr.Create(context.Background(), campaign.Goal{
		Type: campaign.TypeContent, Text: "needs content_generate", AgentIDs: []string{"agent-1"},
	})
	if err == nil {
		t.Fatalf("expected capability rejection")
	}

	c, err := mgr.Create(context.Background(), campaign.Goal{
		Type: campaign.TypeResearch, Text: "research only", AgentIDs: []string{"agent-1"},
	})
	if err != nil {
		t.Fatalf("create research campaign: %v", err)
	}
	if c.Status != persistence.CampaignStatusDraft {
		t.Fatalf("expected DRAFT, got %s", c.Status)
	}
}

func TestLifecycle_CreateLaunchSettle(t *testing.T) {
	mgr, store := testManager(t)
	ctx := context.Background()

	c, err := mgr.Create(ctx, campaign.Goal{Type: campaign.TypeResearch, Text: "scout defi talk", Topic: "defi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Launch(ctx, c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	task, err := store.LeaseTask(ctx, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a launched task to lease")
	}
	if err := store.StartTask(ctx, task.ID, "worker-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.CommitResult(ctx, task.ID, "worker-a", json.RawMessage(`{"trends":[]}`)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	status, err := mgr.OnTaskTerminal(ctx, c.ID)
	if err != nil {
		t.Fatalf("on terminal: %v", err)
	}
	if status != persistence.CampaignStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", status)
	}

	st, err := mgr.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Tasks.Succeeded != 1 || !st.Tasks.Settled() {
		t.Fatalf("unexpected summary %+v", st.Tasks)
	}
}
