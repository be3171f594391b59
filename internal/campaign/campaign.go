// Package campaign drives the campaign lifecycle: decomposing a goal into a
// fixed task graph, launching it, reacting to task outcomes and cancelling.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chimera-sh/factory/internal/persistence"
)

// Type selects the fixed task graph a campaign decomposes into. There is no
// workflow DSL; each type maps to a pinned sequence of skills.
type Type string

const (
	TypeContent    Type = "content"
	TypeEngagement Type = "engagement"
	TypeResearch   Type = "research"
)

// Goal is the operator-supplied intent for a campaign.
type Goal struct {
	Type     Type            `json:"type" yaml:"type"`
	Text     string          `json:"goal" yaml:"goal"`
	Topic    string          `json:"topic" yaml:"topic"`
	Sources  []string        `json:"sources,omitempty" yaml:"sources,omitempty"`
	AgentIDs []string        `json:"agent_ids,omitempty" yaml:"agent_ids,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty" yaml:"-"`
}

// Manager owns campaign lifecycle decisions on top of the store.
type Manager struct {
	store  *persistence.Store
	agents AgentDirectory
	logger *slog.Logger
}

// AgentDirectory answers whether any participating agent can run a skill.
// Satisfied by agent.Registry; nil means capability checks are skipped.
type AgentDirectory interface {
	CanExecute(ctx context.Context, agentIDs []string, skill string) (bool, error)
}

func NewManager(store *persistence.Store, agents AgentDirectory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, agents: agents, logger: logger}
}

// Decompose expands a goal into its task graph. Critical tasks decide the
// campaign verdict; optional follow-ups do not.
func Decompose(goal Goal) ([]persistence.EnqueueSpec, error) {
	if goal.Text == "" {
		return nil, fmt.Errorf("decompose: goal text required")
	}
	topic := goal.Topic
	if topic == "" {
		topic = goal.Text
	}
	sources := goal.Sources
	if len(sources) == 0 {
		sources = []string{"twitter", "news"}
	}
	researchPayload, err := json.Marshal(map[string]any{
		"topic":     topic,
		"sources":   sources,
		"timeframe": "24h",
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: marshal research payload: %w", err)
	}
	contentPayload, err := json.Marshal(map[string]any{
		"content_type": "text",
		"prompt":       goal.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: marshal content payload: %w", err)
	}

	switch goal.Type {
	case TypeResearch:
		return []persistence.EnqueueSpec{
			{Skill: "trend_research", Payload: researchPayload, Priority: 5},
		}, nil
	case TypeContent:
		return []persistence.EnqueueSpec{
			{Skill: "trend_research", Payload: researchPayload, Priority: 10},
			{Skill: "content_generate", Payload: contentPayload, Priority: 5},
		}, nil
	case TypeEngagement:
		engagementPayload, err := json.Marshal(map[string]any{
			"action":   "comment",
			"platform": "twitter",
			"target":   topic,
			"content":  goal.Text,
		})
		if err != nil {
			return nil, fmt.Errorf("decompose: marshal engagement payload: %w", err)
		}
		return []persistence.EnqueueSpec{
			{Skill: "trend_research", Payload: researchPayload, Priority: 10},
			{Skill: "content_generate", Payload: contentPayload, Priority: 5},
			{Skill: "engagement_manage", Payload: engagementPayload, Priority: 1, Optional: true},
		}, nil
	default:
		return nil, fmt.Errorf("decompose: unknown campaign type %q", goal.Type)
	}
}

// Create decomposes the goal and persists the campaign with its tasks in
// DRAFT. When an agent directory is configured, every task's skill must be
// covered by a participating agent.
func (m *Manager) Create(ctx context.Context, goal Goal) (*persistence.Campaign, error) {
	tasks, err := Decompose(goal)
	if err != nil {
		return nil, err
	}
	if m.agents != nil && len(goal.AgentIDs) > 0 {
		for _, task := range tasks {
			ok, err := m.agents.CanExecute(ctx, goal.AgentIDs, task.Skill)
			if err != nil {
				return nil, fmt.Errorf("capability check for %s: %w", task.Skill, err)
			}
			if !ok {
				return nil, fmt.Errorf("no participating agent can execute %s", task.Skill)
			}
		}
	}
	campaign, err := m.store.CreateCampaign(ctx, persistence.CampaignSpec{
		Goal:         goal.Text,
		CampaignType: string(goal.Type),
		AgentIDs:     goal.AgentIDs,
		Tasks:        tasks,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("campaign created",
		"campaign_id", campaign.ID, "type", goal.Type, "tasks", len(tasks))
	return campaign, nil
}

// Launch moves a DRAFT campaign to ACTIVE so workers start leasing its tasks.
func (m *Manager) Launch(ctx context.Context, campaignID string) error {
	if err := m.store.ActivateCampaign(ctx, campaignID); err != nil {
		return err
	}
	m.logger.Info("campaign launched", "campaign_id", campaignID)
	return nil
}

// OnTaskTerminal re-evaluates a campaign after one of its tasks reached a
// terminal state. Called by the worker after ack, fatal fail or dead-letter.
func (m *Manager) OnTaskTerminal(ctx context.Context, campaignID string) (persistence.CampaignStatus, error) {
	status, err := m.store.RecomputeCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if status.IsTerminal() {
		m.logger.Info("campaign settled", "campaign_id", campaignID, "status", status)
	}
	return status, nil
}

// Cancel cancels a campaign: queued tasks are discarded, in-flight tasks run
// to completion and keep their recorded outcomes.
func (m *Manager) Cancel(ctx context.Context, campaignID string) error {
	if err := m.store.CancelCampaign(ctx, campaignID); err != nil {
		return err
	}
	m.logger.Info("campaign cancelled", "campaign_id", campaignID)
	return nil
}

// Status reports the campaign with its task aggregate.
type Status struct {
	Campaign *persistence.Campaign           `json:"campaign"`
	Tasks    persistence.CampaignTaskSummary `json:"tasks"`
}

func (m *Manager) Status(ctx context.Context, campaignID string) (*Status, error) {
	campaign, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	summary, err := m.store.SummarizeCampaignTasks(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Status{Campaign: campaign, Tasks: summary}, nil
}
