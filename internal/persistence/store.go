// Package persistence owns the transactional SQLite store: the durable task
// queue, campaign records, the append-only audit ledger, semantic memory rows
// and the saga outbox. Entities reference each other by id only; all lookups
// go through the store.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chimera-sh/factory/internal/bus"
	"github.com/chimera-sh/factory/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cf-v1-2026-07-02-core"

	// v2 adds schedules for recurring campaigns.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cf-v2-2026-07-19-schedules"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryTimeout          = "RETRY_TIMEOUT"
	ReasonRetryTransientStore   = "RETRY_TRANSIENT_STORE"
	ReasonRetrySkillError       = "RETRY_SKILL_ERROR"
	ReasonFatalValidation       = "FATAL_VALIDATION"
	ReasonFatalContract         = "FATAL_CONTRACT_VIOLATION"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonCanceled              = "CANCELED"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusLeased     TaskStatus = "LEASED"
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusSucceeded  TaskStatus = "SUCCEEDED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCanceled   TaskStatus = "CANCELED"
	TaskStatusDeadLetter TaskStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled, TaskStatusDeadLetter:
		return true
	}
	return false
}

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusLeased:   {},
		TaskStatusCanceled: {},
	},
	TaskStatusLeased: {
		TaskStatusRunning:  {},
		TaskStatusPending:  {}, // Lease expiry requeue.
		TaskStatusCanceled: {},
	},
	TaskStatusRunning: {
		TaskStatusSucceeded:  {},
		TaskStatusFailed:     {},
		TaskStatusPending:    {}, // Retry with backoff, crash recovery.
		TaskStatusDeadLetter: {},
		TaskStatusCanceled:   {},
	},
}

func canTransitionTask(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusActive    CampaignStatus = "ACTIVE"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
	CampaignStatusCancelled CampaignStatus = "CANCELLED"
)

// IsTerminal reports whether the campaign admits no further transitions.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCancelled:
		return true
	}
	return false
}

var allowedCampaignTransitions = map[CampaignStatus]map[CampaignStatus]struct{}{
	CampaignStatusDraft: {
		CampaignStatusActive:    {},
		CampaignStatusCancelled: {},
	},
	CampaignStatusActive: {
		CampaignStatusCompleted: {},
		CampaignStatusFailed:    {},
		CampaignStatusCancelled: {},
	},
}

func canTransitionCampaign(from, to CampaignStatus) bool {
	next, ok := allowedCampaignTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrCampaignClosed rejects task-level mutations once the owning campaign is
// terminal.
var ErrCampaignClosed = errors.New("campaign is closed")

// Task is a queued unit of work owned by exactly one campaign. Attempt counts
// executions started so far; Retries is the executions beyond the first.
type Task struct {
	ID             string          `json:"id"`
	CampaignID     string          `json:"campaign_id"`
	Skill          string          `json:"skill"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         TaskStatus      `json:"status"`
	Priority       int             `json:"priority"`
	Critical       bool            `json:"critical"`
	Attempt        int             `json:"attempt"`
	Retries        int             `json:"retries"`
	MaxAttempts    int             `json:"max_attempts"`
	AvailableAt    time.Time       `json:"available_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastErrorCode  string          `json:"last_error_code,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Campaign groups tasks behind a goal.
type Campaign struct {
	ID           string         `json:"id"`
	Goal         string         `json:"goal"`
	CampaignType string         `json:"campaign_type"`
	Status       CampaignStatus `json:"status"`
	AgentIDs     []string       `json:"agent_ids"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskEvent is one append-only row in the task transition log.
type TaskEvent struct {
	EventID    int64      `json:"event_id"`
	TaskID     string     `json:"task_id"`
	CampaignID string     `json:"campaign_id"`
	TraceID    string     `json:"trace_id,omitempty"`
	EventType  string     `json:"event_type"`
	StateFrom  TaskStatus `json:"state_from"`
	StateTo    TaskStatus `json:"state_to"`
	Payload    string     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
}

// QueueConfig carries the injected queue tunables. Zero values fall back to
// the defaults below.
type QueueConfig struct {
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	LeaseDuration    time.Duration
	CampaignLeaseCap int
}

func (q QueueConfig) withDefaults() QueueConfig {
	if q.MaxRetries <= 0 {
		q.MaxRetries = 3
	}
	if q.BaseBackoff <= 0 {
		q.BaseBackoff = 1 * time.Second
	}
	if q.MaxBackoff <= 0 {
		q.MaxBackoff = 30 * time.Second
	}
	if q.LeaseDuration <= 0 {
		q.LeaseDuration = 30 * time.Second
	}
	return q
}

// Store wraps the SQLite database. Safe for concurrent use; writes serialize
// on a single connection.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus // may be nil in tests
	queue QueueConfig
}

// DefaultDBPath returns the default store location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chimera", "factory.db")
}

// Open opens (creating if needed) the store at path and applies migrations.
func Open(path string, queue QueueConfig, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, queue: queue.withDefaults()}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Queue exposes the effective queue tunables.
func (s *Store) Queue() QueueConfig {
	return s.queue
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			wallet_ref TEXT,
			capabilities JSON NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'retired')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			campaign_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('DRAFT', 'ACTIVE', 'COMPLETED', 'FAILED', 'CANCELLED')),
			agent_ids JSON NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			skill TEXT NOT NULL,
			payload JSON NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'LEASED', 'RUNNING', 'SUCCEEDED', 'FAILED', 'CANCELED', 'DEAD_LETTER')),
			priority INTEGER NOT NULL DEFAULT 0,
			critical INTEGER NOT NULL DEFAULT 1,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			last_error_code TEXT,
			last_error TEXT,
			result JSON,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(campaign_id, idempotency_key)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_results (
			idempotency_key TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			result JSON NOT NULL,
			content_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id),
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			content_hash TEXT NOT NULL,
			payload_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			key TEXT PRIMARY KEY,
			embedding JSON NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS saga_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK(kind IN ('audit', 'memory')),
			task_id TEXT NOT NULL REFERENCES tasks(id),
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			payload JSON NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			campaign_spec JSON NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_fired_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, available_at, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_campaign ON tasks(campaign_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_campaign ON audit_records(campaign_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_kind ON saga_outbox(kind, id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// Audit rows are immutable once written; enforce at the schema layer too.
	triggerStatements := []string{
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_update
			BEFORE UPDATE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
			BEFORE DELETE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END;`,
	}
	for _, stmt := range triggerStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// sqlNow compares lexically against timestamps written via sqlTime: both are
// fixed-width UTC strings with millisecond precision. The driver's default
// time.Time binding appends a zone offset and nanoseconds, which sorts after
// the second-resolution CURRENT_TIMESTAMP and delays sub-second eligibility.
const sqlNow = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

const sqlTimeFormat = "2006-01-02 15:04:05.000"

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, campaignID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = campaignID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, campaign_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, campaignID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs the atomic conditional status update that backs
// the lease and every other task transition. Returns false (no error) when
// the task is absent or not in an allowed source state.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	var campaignID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, campaign_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransitionTask(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = shared.Redact(*errMsg)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			last_error = CASE WHEN ? THEN ? ELSE last_error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, campaignID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var leaseExpires sql.NullTime
	var lastErrorCode, lastError sql.NullString
	var payload, result sql.NullString
	var critical int
	if err := scanFn(
		&task.ID,
		&task.CampaignID,
		&task.Skill,
		&payload,
		&task.IdempotencyKey,
		&task.Status,
		&task.Priority,
		&critical,
		&task.Attempt,
		&task.MaxAttempts,
		&task.AvailableAt,
		&task.LeaseOwner,
		&leaseExpires,
		&lastErrorCode,
		&lastError,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.Critical = critical == 1
	task.Retries = task.Attempt - 1
	if task.Retries < 0 {
		task.Retries = 0
	}
	if payload.Valid {
		task.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	} else {
		task.LeaseExpiresAt = nil
	}
	if lastErrorCode.Valid {
		task.LastErrorCode = lastErrorCode.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	return nil
}

const taskColumns = `
	id, campaign_id, skill, payload, idempotency_key, status, priority, critical,
	attempt, max_attempts, available_at, COALESCE(lease_owner, ''), lease_expires_at,
	last_error_code, last_error, result, created_at, updated_at`
