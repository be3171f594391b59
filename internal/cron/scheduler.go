// Package cron runs the periodic maintenance loop: firing due campaign
// schedules and requeueing expired task leases.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/chimera-sh/factory/internal/campaign"
	"github.com/chimera-sh/factory/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime returns the first firing of expr strictly after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Config holds the scheduler dependencies.
type Config struct {
	Store     *persistence.Store
	Campaigns *campaign.Manager
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval. Each tick requeues expired leases and
// fires any enabled schedule whose cron expression has come due since it last
// fired, instantiating and launching the stored campaign goal.
type Scheduler struct {
	store     *persistence.Store
	campaigns *campaign.Manager
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		campaigns: cfg.Campaigns,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Exported so tests and the CLI can drive it
// without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if reclaimed, err := s.store.RequeueExpiredLeases(ctx); err != nil {
		s.logger.Error("lease requeue failed", "error", err)
	} else if reclaimed > 0 {
		s.logger.Info("expired leases requeued", "count", reclaimed)
	}

	now := time.Now()
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		return
	}
	for _, sched := range schedules {
		if due, err := s.isDue(sched, now); err != nil {
			s.logger.Error("schedule skipped", "schedule_id", sched.ID, "error", err)
			continue
		} else if !due {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) isDue(sched persistence.Schedule, now time.Time) (bool, error) {
	anchor := sched.CreatedAt
	if sched.LastFiredAt != nil {
		anchor = *sched.LastFiredAt
	}
	next, err := NextRunTime(sched.CronExpr, anchor)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	var goal campaign.Goal
	if err := json.Unmarshal(sched.CampaignSpec, &goal); err != nil {
		s.logger.Error("schedule has invalid campaign spec",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}
	// Mark the firing before launching so a crash cannot double-fire.
	if err := s.store.MarkScheduleFired(ctx, sched.ID, now); err != nil {
		s.logger.Error("mark schedule fired failed", "schedule_id", sched.ID, "error", err)
		return
	}
	instance, err := s.campaigns.Create(ctx, goal)
	if err != nil {
		s.logger.Error("scheduled campaign create failed",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}
	if err := s.campaigns.Launch(ctx, instance.ID); err != nil {
		s.logger.Error("scheduled campaign launch failed",
			"campaign_id", instance.ID, "error", err)
		return
	}
	s.logger.Info("schedule fired",
		"schedule_id", sched.ID, "schedule_name", sched.Name, "campaign_id", instance.ID)
}
