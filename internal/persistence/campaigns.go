package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chimera-sh/factory/internal/bus"
	"github.com/chimera-sh/factory/internal/shared"
	"github.com/google/uuid"
)

// CampaignSpec describes a campaign to create together with its initial tasks.
type CampaignSpec struct {
	Goal         string        `json:"goal"`
	CampaignType string        `json:"campaign_type"`
	AgentIDs     []string      `json:"agent_ids"`
	Tasks        []EnqueueSpec `json:"tasks"`
}

// CreateCampaign inserts a DRAFT campaign and its initial task set in one
// transaction. Either everything lands or nothing does.
func (s *Store) CreateCampaign(ctx context.Context, spec CampaignSpec) (*Campaign, error) {
	if spec.Goal == "" {
		return nil, fmt.Errorf("create campaign: goal required")
	}
	if spec.CampaignType == "" {
		return nil, fmt.Errorf("create campaign: campaign type required")
	}
	campaignID := uuid.NewString()
	agentIDs := spec.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	agentJSON, err := json.Marshal(agentIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal agent ids: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create campaign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaigns (id, goal, campaign_type, status, agent_ids, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, campaignID, spec.Goal, spec.CampaignType, CampaignStatusDraft, string(agentJSON)); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}

		for _, taskSpec := range spec.Tasks {
			if taskSpec.Skill == "" {
				return fmt.Errorf("create campaign: task skill required")
			}
			payload := taskSpec.Payload
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
			critical := 1
			if taskSpec.Optional {
				critical = 0
			}
			taskID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					id, campaign_id, skill, payload, idempotency_key, status, priority, critical,
					attempt, max_attempts, available_at, created_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, `+sqlNow+`, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, taskID, campaignID, taskSpec.Skill, string(payload),
				shared.IdempotencyKey(campaignID, taskSpec.Skill, payload),
				TaskStatusPending, taskSpec.Priority, critical, s.queue.MaxRetries); err != nil {
				return fmt.Errorf("insert campaign task %s: %w", taskSpec.Skill, err)
			}
			if err := s.appendTaskEventTx(ctx, tx, taskID, campaignID, "", TaskStatusPending, "task.enqueued", `{"reason":"campaign_create"}`); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetCampaign(ctx, campaignID)
}

// ActivateCampaign moves a DRAFT campaign to ACTIVE, making its tasks
// leasable.
func (s *Store) ActivateCampaign(ctx context.Context, campaignID string) error {
	if err := s.transitionCampaign(ctx, campaignID, []CampaignStatus{CampaignStatusDraft}, CampaignStatusActive); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCampaignActivated, bus.CampaignEventPayload{
			CampaignID: campaignID, Status: string(CampaignStatusActive),
		})
	}
	return nil
}

// CampaignTaskSummary aggregates task statuses for a campaign.
type CampaignTaskSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Canceled   int `json:"canceled"`
	DeadLetter int `json:"dead_letter"`

	// Critical terminal failures drive the campaign-level verdict.
	CriticalFailed int `json:"critical_failed"`
}

// Settled reports whether every task has reached a terminal status.
func (s CampaignTaskSummary) Settled() bool {
	return s.Pending == 0 && s.InFlight == 0
}

// SummarizeCampaignTasks computes the status aggregate used by the campaign
// state machine.
func (s *Store) SummarizeCampaignTasks(ctx context.Context, campaignID string) (CampaignTaskSummary, error) {
	var sum CampaignTaskSummary
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('LEASED', 'RUNNING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCEEDED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CANCELED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DEAD_LETTER' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('FAILED', 'DEAD_LETTER') AND critical = 1 THEN 1 ELSE 0 END), 0)
		FROM tasks
		WHERE campaign_id = ?;
	`, campaignID)
	if err := row.Scan(
		&sum.Total, &sum.Pending, &sum.InFlight, &sum.Succeeded,
		&sum.Failed, &sum.Canceled, &sum.DeadLetter, &sum.CriticalFailed,
	); err != nil {
		return CampaignTaskSummary{}, fmt.Errorf("summarize campaign tasks: %w", err)
	}
	return sum, nil
}

// RecomputeCampaign re-derives the campaign status from its task aggregate.
// A critical task reaching FAILED or DEAD_LETTER fails an ACTIVE campaign
// immediately, even while sibling tasks are still open: leasing filters on
// campaign status, so the failed campaign stops handing out work, and tasks
// already in flight run to completion with their outcomes recorded, the same
// discipline cancellation uses. Without a critical failure the campaign
// completes once every task is terminal. Returns the status after evaluation.
func (s *Store) RecomputeCampaign(ctx context.Context, campaignID string) (CampaignStatus, error) {
	campaign, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if campaign.Status != CampaignStatusActive {
		return campaign.Status, nil
	}
	sum, err := s.SummarizeCampaignTasks(ctx, campaignID)
	if err != nil {
		return "", err
	}

	target := CampaignStatusFailed
	topic := bus.TopicCampaignFailed
	if sum.CriticalFailed == 0 {
		if !sum.Settled() {
			return CampaignStatusActive, nil
		}
		target = CampaignStatusCompleted
		topic = bus.TopicCampaignCompleted
	}
	if err := s.transitionCampaign(ctx, campaignID, []CampaignStatus{CampaignStatusActive}, target); err != nil {
		// Lost the race to another evaluator; read back the winner.
		if errors.Is(err, errCampaignTransitionLost) {
			refreshed, getErr := s.GetCampaign(ctx, campaignID)
			if getErr != nil {
				return "", getErr
			}
			return refreshed.Status, nil
		}
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(topic, bus.CampaignEventPayload{CampaignID: campaignID, Status: string(target)})
	}
	return target, nil
}

// CancelCampaign cancels a DRAFT or ACTIVE campaign. PENDING tasks are
// discarded immediately; leased and running tasks are left to finish so their
// outcomes stay recorded, after which the campaign is already terminal.
func (s *Store) CancelCampaign(ctx context.Context, campaignID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current CampaignStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?;`, campaignID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("cancel: campaign %s not found", campaignID)
			}
			return fmt.Errorf("cancel: read campaign: %w", err)
		}
		if current == CampaignStatusCancelled {
			return tx.Commit() // idempotent
		}
		if !canTransitionCampaign(current, CampaignStatusCancelled) {
			return fmt.Errorf("cancel %s campaign: %w", current, ErrCampaignClosed)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, CampaignStatusCancelled, campaignID, current); err != nil {
			return fmt.Errorf("cancel campaign: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE campaign_id = ? AND status = ?;
		`, campaignID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("cancel: list pending tasks: %w", err)
		}
		var pendingIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("cancel: scan pending task: %w", err)
			}
			pendingIDs = append(pendingIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("cancel: pending task rows: %w", err)
		}

		for _, id := range pendingIDs {
			ok, err := s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusPending}, TaskStatusCanceled,
				"task.canceled", fmt.Sprintf(`{"reason_code":%q}`, ReasonCanceled), nil, nil)
			if err != nil {
				return fmt.Errorf("cancel pending task: %w", err)
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET last_error_code = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, ReasonCanceled, id, TaskStatusCanceled); err != nil {
				return fmt.Errorf("cancel: mark canceled task: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCampaignCancelled, bus.CampaignEventPayload{
			CampaignID: campaignID, Status: string(CampaignStatusCancelled),
		})
	}
	return nil
}

// GetCampaign returns a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	var c Campaign
	var agentJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, goal, campaign_type, status, agent_ids, created_at, updated_at
		FROM campaigns
		WHERE id = ?;
	`, campaignID).Scan(&c.ID, &c.Goal, &c.CampaignType, &c.Status, &agentJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s not found", campaignID)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := json.Unmarshal([]byte(agentJSON), &c.AgentIDs); err != nil {
		return nil, fmt.Errorf("decode campaign agent ids: %w", err)
	}
	return &c, nil
}

// ListCampaigns returns campaigns newest first, optionally filtered by status.
func (s *Store) ListCampaigns(ctx context.Context, status CampaignStatus) ([]Campaign, error) {
	query := `
		SELECT id, goal, campaign_type, status, agent_ids, created_at, updated_at
		FROM campaigns`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var agentJSON string
		if err := rows.Scan(&c.ID, &c.Goal, &c.CampaignType, &c.Status, &agentJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if err := json.Unmarshal([]byte(agentJSON), &c.AgentIDs); err != nil {
			return nil, fmt.Errorf("decode campaign agent ids: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign rows: %w", err)
	}
	return out, nil
}

var errCampaignTransitionLost = errors.New("campaign transition superseded")

func (s *Store) transitionCampaign(ctx context.Context, campaignID string, allowedFrom []CampaignStatus, to CampaignStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin campaign transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current CampaignStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?;`, campaignID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("campaign %s not found", campaignID)
			}
			return fmt.Errorf("read campaign status: %w", err)
		}
		allowed := false
		for _, from := range allowedFrom {
			if from == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("campaign %s is %s: %w", campaignID, current, errCampaignTransitionLost)
		}
		if !canTransitionCampaign(current, to) {
			return fmt.Errorf("illegal campaign transition %s -> %s", current, to)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, campaignID, current)
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("campaign transition rows affected: %w", err)
		}
		if affected != 1 {
			return errCampaignTransitionLost
		}
		return tx.Commit()
	})
}
