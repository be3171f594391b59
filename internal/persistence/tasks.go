package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chimera-sh/factory/internal/bus"
	"github.com/chimera-sh/factory/internal/shared"
	"github.com/google/uuid"
)

// EnqueueSpec describes a task to enqueue into a campaign. Tasks are
// critical by default; set Optional for follow-ups whose terminal failure
// must not fail the campaign.
type EnqueueSpec struct {
	Skill    string
	Payload  json.RawMessage
	Priority int
	Optional bool
}

// EnqueueTask inserts a pending task into an ACTIVE or DRAFT campaign. The
// idempotency key is derived from (campaign, skill, payload); re-submitting
// the same spec returns the existing task id instead of creating a duplicate.
func (s *Store) EnqueueTask(ctx context.Context, campaignID string, spec EnqueueSpec) (string, error) {
	if spec.Skill == "" {
		return "", fmt.Errorf("enqueue: skill name required")
	}
	key := shared.IdempotencyKey(campaignID, spec.Skill, spec.Payload)
	taskID := uuid.NewString()
	critical := 1
	if spec.Optional {
		critical = 0
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status CampaignStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?;`, campaignID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("enqueue: campaign %s not found", campaignID)
			}
			return fmt.Errorf("enqueue: read campaign: %w", err)
		}
		if status.IsTerminal() {
			return fmt.Errorf("enqueue into %s campaign: %w", status, ErrCampaignClosed)
		}

		// The unique (campaign_id, idempotency_key) constraint dedupes
		// re-submission of the same intended effect.
		var existingID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks WHERE campaign_id = ? AND idempotency_key = ?;
		`, campaignID, key).Scan(&existingID)
		switch {
		case err == nil:
			taskID = existingID
			return tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// continue and insert
		default:
			return fmt.Errorf("enqueue: dedupe lookup: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, campaign_id, skill, payload, idempotency_key, status, priority, critical,
				attempt, max_attempts, available_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, `+sqlNow+`, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, campaignID, spec.Skill, string(spec.Payload), key, TaskStatusPending, spec.Priority, critical, s.queue.MaxRetries); err != nil {
			return fmt.Errorf("enqueue: insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, campaignID, "", TaskStatusPending, "task.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEventPayload{
			TaskID: taskID, CampaignID: campaignID, Skill: spec.Skill, Status: string(TaskStatusPending),
		})
	}
	return taskID, nil
}

// LeaseTask atomically claims the next eligible task for workerID. Candidates
// must be PENDING, eligible (available_at in the past), belong to an ACTIVE
// campaign, and the campaign must be under its lease cap. Ordering: priority
// descending, then earliest eligibility, then FIFO. Returns nil when no task
// is available; two workers racing for one task get exactly one winner.
func (s *Store) LeaseTask(ctx context.Context, workerID string) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("lease: worker id required")
	}
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = ?
			  AND available_at <= ` + sqlNow + `
			  AND campaign_id IN (SELECT id FROM campaigns WHERE status = ?)
			  AND (? <= 0 OR (
				SELECT COUNT(1) FROM tasks held
				WHERE held.campaign_id = tasks.campaign_id
				  AND held.status IN (?, ?)
			  ) < ?)
			ORDER BY priority DESC, available_at ASC, created_at ASC, id ASC
			LIMIT 1;`
		row := tx.QueryRowContext(ctx, query,
			TaskStatusPending, CampaignStatusActive,
			s.queue.CampaignLeaseCap, TaskStatusLeased, TaskStatusRunning, s.queue.CampaignLeaseCap)

		var task Task
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending}, TaskStatusLeased,
			"task.leased", fmt.Sprintf(`{"worker":%q}`, workerID), nil, nil)
		if err != nil {
			return fmt.Errorf("lease transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseExpiresAt := time.Now().UTC().Add(s.queue.LeaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, workerID, sqlTime(leaseExpiresAt), task.ID, TaskStatusLeased); err != nil {
			return fmt.Errorf("set lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lease tx: %w", err)
		}
		task.Status = TaskStatusLeased
		task.LeaseOwner = workerID
		task.LeaseExpiresAt = &leaseExpiresAt
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskLeased, bus.TaskEventPayload{
			TaskID: result.ID, CampaignID: result.CampaignID, Skill: result.Skill,
			Status: string(TaskStatusLeased), Attempt: result.Attempt,
		})
	}
	return result, nil
}

// StartTask transitions a leased task to RUNNING, verifying the caller still
// holds the lease.
func (s *Store) StartTask(ctx context.Context, taskID, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var leaseOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, '')
		FROM tasks
		WHERE id = ? AND status = ?;
	`, taskID, TaskStatusLeased).Scan(&leaseOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("read lease owner: %w", err)
	}
	if leaseOwner == "" || leaseOwner != workerID {
		return sql.ErrNoRows
	}
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusLeased}, TaskStatusRunning,
		"task.running", `{"reason":"worker_start"}`, nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET attempt = attempt + 1, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, sqlTime(time.Now().UTC().Add(s.queue.LeaseDuration)), taskID, workerID, TaskStatusRunning); err != nil {
		return fmt.Errorf("extend lease on start: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start tx: %w", err)
	}
	return nil
}

// ExtendLease pushes out the lease expiry for a task still held by workerID.
// Returns false when the lease is gone (expired and re-leased, or task done).
func (s *Store) ExtendLease(ctx context.Context, taskID, workerID string) (bool, error) {
	if workerID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?);
	`, sqlTime(time.Now().UTC().Add(s.queue.LeaseDuration)), taskID, workerID, TaskStatusLeased, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns expired LEASED/RUNNING tasks to PENDING so
// another worker can claim them. This is what makes delivery at-least-once:
// a crashed worker's task becomes re-leasable once its visibility timeout
// lapses.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM tasks
		WHERE status IN (?, ?)
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= `+sqlNow+`;
	`, TaskStatusLeased, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired leases: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusLeased, TaskStatusRunning}, TaskStatusPending,
			"task.lease_expired", `{"reason":"lease_expired"}`, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, TaskStatusPending); err != nil {
			return 0, fmt.Errorf("clear expired lease: %w", err)
		}
		reclaimed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return reclaimed, nil
}

// retryDelay computes base * 2^(attempt-1) + jitter, capped at MaxBackoff.
// Jitter is derived from the task id so retry schedules are deterministic
// per task.
func (s *Store) retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.queue.BaseBackoff
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= s.queue.MaxBackoff {
			base = s.queue.MaxBackoff
			break
		}
	}
	if base > s.queue.MaxBackoff {
		base = s.queue.MaxBackoff
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > s.queue.MaxBackoff {
		delay = s.queue.MaxBackoff
	}
	return delay
}

// FailureOutcome is the result of a nack decision.
type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

// FailureDecision reports how a nacked task was handled.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode   string         `json:"reason_code"`
}

// NackTask applies the retry/backoff/dead-letter decision for a RUNNING task
// that failed retryably. Attempt counting happens at StartTask; a task that
// has consumed its whole budget moves to DEAD_LETTER, otherwise it returns to
// PENDING with a future eligibility time.
func (s *Store) NackTask(ctx context.Context, taskID, reasonCode, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin nack tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status      TaskStatus
		attempt     int
		maxAttempts int
		campaignID  string
		skill       string
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, attempt, max_attempts, campaign_id, skill
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&status, &attempt, &maxAttempts, &campaignID, &skill); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, sql.ErrNoRows
		}
		return FailureDecision{}, fmt.Errorf("select task for nack: %w", err)
	}
	if status != TaskStatusRunning {
		return FailureDecision{}, sql.ErrNoRows
	}
	if maxAttempts <= 0 {
		maxAttempts = s.queue.MaxRetries
	}
	if reasonCode == "" {
		reasonCode = ReasonRetrySkillError
	}

	decision := FailureDecision{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		ReasonCode:  reasonCode,
	}

	// attempt counts completed executions; the retry budget allows
	// maxAttempts re-executions beyond the first.
	if attempt > maxAttempts {
		decision.ReasonCode = ReasonDeadLetterMaxAttempts
		decision.Outcome = FailureOutcomeDeadLetter
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusDeadLetter,
			"task.dead_letter",
			fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d}`, ReasonDeadLetterMaxAttempts, attempt, maxAttempts),
			nil, &errMsg)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to dead_letter: %w", err)
		}
		if !ok {
			return FailureDecision{}, sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET last_error_code = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReasonDeadLetterMaxAttempts, taskID, TaskStatusDeadLetter); err != nil {
			return FailureDecision{}, fmt.Errorf("update dead_letter metadata: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit dead_letter tx: %w", err)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskDeadLetter, bus.TaskEventPayload{
				TaskID: taskID, CampaignID: campaignID, Skill: skill,
				Status: string(TaskStatusDeadLetter), Attempt: attempt, Error: errMsg,
			})
		}
		return decision, nil
	}

	delay := s.retryDelay(taskID, attempt)
	availableAt := time.Now().UTC().Add(delay)
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusPending,
		"task.retry_scheduled",
		fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, attempt, maxAttempts, delay.Milliseconds()),
		nil, &errMsg)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to pending: %w", err)
	}
	if !ok {
		return FailureDecision{}, sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET available_at = ?, last_error_code = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, sqlTime(availableAt), reasonCode, taskID, TaskStatusPending); err != nil {
		return FailureDecision{}, fmt.Errorf("update retry metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit nack tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRetrying, bus.TaskEventPayload{
			TaskID: taskID, CampaignID: campaignID, Skill: skill,
			Status: string(TaskStatusPending), Attempt: attempt, Error: errMsg,
		})
	}
	return decision, nil
}

// FailTask marks a RUNNING task FAILED for a fatal, non-retryable error
// (validation failure, contract violation).
func (s *Store) FailTask(ctx context.Context, taskID, reasonCode, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusLeased, TaskStatusRunning}, TaskStatusFailed,
		"task.failed", fmt.Sprintf(`{"reason_code":%q}`, reasonCode), nil, &errMsg)
	if err != nil {
		return fmt.Errorf("fail transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET last_error_code = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, reasonCode, taskID, TaskStatusFailed); err != nil {
		return fmt.Errorf("update failed metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}

	if s.bus != nil {
		task, err := s.GetTask(ctx, taskID)
		if err == nil && task != nil {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskEventPayload{
				TaskID: taskID, CampaignID: task.CampaignID, Skill: task.Skill,
				Status: string(TaskStatusFailed), Attempt: task.Attempt, Error: errMsg,
			})
		}
	}
	return nil
}

// GetTask returns a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksByCampaign returns all tasks owned by a campaign, oldest first.
func (s *Store) ListTasksByCampaign(ctx context.Context, campaignID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE campaign_id = ?
		ORDER BY created_at ASC, id ASC;
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by campaign: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan campaign task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign task rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the transition log for a task in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, campaign_id, COALESCE(trace_id, ''), event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var event TaskEvent
		var stateFrom sql.NullString
		if err := rows.Scan(
			&event.EventID, &event.TaskID, &event.CampaignID, &event.TraceID,
			&event.EventType, &stateFrom, &event.StateTo, &event.Payload, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// QueueCounts reports pending and in-flight totals for observability.
func (s *Store) QueueCounts(ctx context.Context) (pending, inFlight, deadLetter int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('LEASED', 'RUNNING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DEAD_LETTER' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`)
	if err := row.Scan(&pending, &inFlight, &deadLetter); err != nil {
		return 0, 0, 0, fmt.Errorf("queue counts: %w", err)
	}
	return pending, inFlight, deadLetter, nil
}
