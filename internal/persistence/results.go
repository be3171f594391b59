package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chimera-sh/factory/internal/bus"
	"github.com/chimera-sh/factory/internal/shared"
)

// TaskResult is a committed skill output keyed by idempotency key.
type TaskResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	TaskID         string          `json:"task_id"`
	CampaignID     string          `json:"campaign_id"`
	Result         json.RawMessage `json:"result"`
	ContentHash    string          `json:"content_hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CommitResult is the saga anchor: in a single transaction it records the
// result row keyed by the task's idempotency key, moves the task
// RUNNING -> SUCCEEDED, and stages audit and memory follow-up entries in the
// outbox. If the idempotency key already has a result (a re-delivered task
// whose first delivery committed), the call is a no-op that reports
// alreadyApplied, and the task is still marked SUCCEEDED so it leaves the
// queue.
func (s *Store) CommitResult(ctx context.Context, taskID, workerID string, result json.RawMessage) (alreadyApplied bool, err error) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	contentHash := shared.ContentHash(result)

	err = retryOnBusy(ctx, 5, func() error {
		alreadyApplied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin commit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status     TaskStatus
			campaignID string
			key        string
			leaseOwner sql.NullString
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, campaign_id, idempotency_key, lease_owner
			FROM tasks
			WHERE id = ?;
		`, taskID).Scan(&status, &campaignID, &key, &leaseOwner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for commit: %w", err)
		}
		if status == TaskStatusSucceeded {
			alreadyApplied = true
			return tx.Commit()
		}
		if status != TaskStatusRunning {
			return fmt.Errorf("commit result: task %s is %s", taskID, status)
		}
		if workerID != "" && leaseOwner.Valid && leaseOwner.String != workerID {
			return fmt.Errorf("commit result: lease on %s held by %s", taskID, leaseOwner.String)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_results (idempotency_key, task_id, campaign_id, result, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(idempotency_key) DO NOTHING;
		`, key, taskID, campaignID, string(result), contentHash)
		if err != nil {
			return fmt.Errorf("insert task result: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task result rows affected: %w", err)
		}
		alreadyApplied = inserted == 0

		resultStr := string(result)
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusSucceeded,
			"task.succeeded", fmt.Sprintf(`{"already_applied":%t,"content_hash":%q}`, alreadyApplied, contentHash),
			&resultStr, nil)
		if err != nil {
			return fmt.Errorf("succeed transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("commit result: task %s changed state mid-commit", taskID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusSucceeded); err != nil {
			return fmt.Errorf("clear lease on commit: %w", err)
		}

		// Follow-up effects ride the same transaction as outbox rows; the
		// background sweep applies them at least once, the idempotent
		// writers make that exactly once.
		if !alreadyApplied {
			outboxEntries := []struct {
				kind    string
				payload string
			}{
				{kindAudit, fmt.Sprintf(`{"content_hash":%q,"summary":%q}`, contentHash, summarizeResult(result))},
				{kindMemory, string(result)},
			}
			for _, entry := range outboxEntries {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO saga_outbox (kind, task_id, campaign_id, payload, created_at, updated_at)
					VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
				`, entry.kind, taskID, campaignID, entry.payload); err != nil {
					return fmt.Errorf("stage %s outbox entry: %w", entry.kind, err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit result tx: %w", err)
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskSucceeded, bus.TaskEventPayload{
				TaskID: taskID, CampaignID: campaignID, Status: string(TaskStatusSucceeded),
			})
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return alreadyApplied, nil
}

// LookupResult returns the committed result for an idempotency key, or nil
// when no result exists yet. Workers call this before executing a leased task
// so re-deliveries skip straight to commit.
func (s *Store) LookupResult(ctx context.Context, idempotencyKey string) (*TaskResult, error) {
	var r TaskResult
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, task_id, campaign_id, result, content_hash, created_at
		FROM task_results
		WHERE idempotency_key = ?;
	`, idempotencyKey).Scan(&r.IdempotencyKey, &r.TaskID, &r.CampaignID, &result, &r.ContentHash, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup result: %w", err)
	}
	r.Result = json.RawMessage(result)
	return &r, nil
}

// summarizeResult produces the short redacted digest stored alongside audit
// rows.
func summarizeResult(result json.RawMessage) string {
	const maxSummary = 256
	text := shared.Redact(string(result))
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxSummary {
		text = text[:maxSummary]
	}
	return text
}
