package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule fires a campaign spec on a cron expression.
type Schedule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CronExpr     string          `json:"cron_expr"`
	CampaignSpec json.RawMessage `json:"campaign_spec"`
	Enabled      bool            `json:"enabled"`
	LastFiredAt  *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CreateSchedule stores a recurring campaign definition. The cron expression
// is validated by the scheduler at load time, not here.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr string, campaignSpec json.RawMessage) (string, error) {
	if name == "" || cronExpr == "" {
		return "", fmt.Errorf("create schedule: name and cron expression required")
	}
	if len(campaignSpec) == 0 {
		return "", fmt.Errorf("create schedule: campaign spec required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, campaign_spec, enabled, created_at)
			VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP);
		`, id, name, cronExpr, string(campaignSpec))
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetScheduleEnabled toggles a schedule without deleting its definition.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?;`, val, id)
	if err != nil {
		return fmt.Errorf("toggle schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("toggle schedule rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// MarkScheduleFired records a firing time.
func (s *Store) MarkScheduleFired(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_fired_at = ? WHERE id = ?;
	`, at.UTC(), id); err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	return nil
}

// ListSchedules returns schedules, optionally only enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	query := `
		SELECT id, name, cron_expr, campaign_spec, enabled, last_fired_at, created_at
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sch Schedule
		var spec string
		var enabled int
		var lastFired sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &spec, &enabled, &lastFired, &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sch.CampaignSpec = json.RawMessage(spec)
		sch.Enabled = enabled == 1
		if lastFired.Valid {
			t := lastFired.Time
			sch.LastFiredAt = &t
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DeleteSchedule removes a schedule definition.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete schedule rows affected: %w", err)
	}
	if n != 1 {
		return errors.New("schedule not found")
	}
	return nil
}
