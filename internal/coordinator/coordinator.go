// Package coordinator keeps the task queue, the audit ledger and semantic
// memory consistent without cross-store transactions. The anchor is a single
// SQLite transaction (result row + task transition + staged outbox); the
// ledger append and the memory upsert are applied after the anchor commits
// and replayed from the outbox until they land. Both follow-up writers are
// idempotent, so at-least-once replay converges to exactly-once effects.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chimera-sh/factory/internal/memory"
	"github.com/chimera-sh/factory/internal/persistence"
	"github.com/chimera-sh/factory/internal/shared"
)

type Coordinator struct {
	store  *persistence.Store
	memory *memory.Gateway
	logger *slog.Logger
}

func New(store *persistence.Store, gateway *memory.Gateway, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, memory: gateway, logger: logger}
}

// CommitTaskResult runs the saga for a finished task. The anchor transaction
// is all-or-nothing; the follow-up effects are attempted eagerly and fall
// back to the outbox sweep on failure. A failed follow-up never rolls the
// anchor back.
func (c *Coordinator) CommitTaskResult(ctx context.Context, taskID, workerID string, result json.RawMessage) (alreadyApplied bool, err error) {
	alreadyApplied, err = c.store.CommitResult(ctx, taskID, workerID, result)
	if err != nil {
		return false, err
	}
	if alreadyApplied {
		return true, nil
	}
	if applied, err := c.Sweep(ctx, 16); err != nil {
		c.logger.Warn("eager follow-up sweep failed, outbox will retry",
			"task_id", taskID, "applied", applied, "error", err)
	}
	return false, nil
}

// Sweep drains up to limit staged outbox entries, applying each follow-up
// effect and resolving the entry once it lands. Entries that fail stay queued
// with their error recorded. Returns the number applied.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (int, error) {
	entries, err := c.store.ListOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}
	var applied int
	var firstErr error
	for _, entry := range entries {
		if err := c.apply(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if deferErr := c.store.DeferOutboxEntry(ctx, entry.ID, err); deferErr != nil {
				c.logger.Error("defer outbox entry failed", "id", entry.ID, "error", deferErr)
			}
			continue
		}
		if err := c.store.ResolveOutboxEntry(ctx, entry.ID); err != nil {
			// The effect landed but the entry survives; the idempotent
			// writer absorbs the replay.
			c.logger.Warn("resolve outbox entry failed", "id", entry.ID, "error", err)
			continue
		}
		applied++
	}
	return applied, firstErr
}

func (c *Coordinator) apply(ctx context.Context, entry persistence.OutboxEntry) error {
	switch entry.Kind {
	case "audit":
		var payload struct {
			ContentHash string `json:"content_hash"`
			Summary     string `json:"summary"`
		}
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return fmt.Errorf("decode audit payload: %w", err)
		}
		_, err := c.store.AppendAuditRecord(ctx, entry.TaskID, entry.CampaignID, payload.ContentHash, payload.Summary)
		return err
	case "memory":
		if c.memory == nil {
			return nil
		}
		contentHash := shared.ContentHash(entry.Payload)
		meta, err := json.Marshal(map[string]string{
			"task_id":     entry.TaskID,
			"campaign_id": entry.CampaignID,
		})
		if err != nil {
			return fmt.Errorf("marshal memory metadata: %w", err)
		}
		key := "result:" + contentHash
		return c.memory.Upsert(ctx, key, string(entry.Payload), meta)
	default:
		return fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}
}

// RunSweeper drains the outbox on an interval until ctx is canceled. This is
// what guarantees eventual consistency for follow-ups that failed eagerly.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if applied, err := c.Sweep(ctx, batch); err != nil {
				c.logger.Warn("outbox sweep incomplete", "applied", applied, "error", err)
			}
		}
	}
}
