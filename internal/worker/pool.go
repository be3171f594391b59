// Package worker runs the lease/invoke/commit loop. Each worker goroutine
// claims tasks under a visibility-timeout lease, heartbeats the lease while
// the skill runs, and routes the outcome through the consistency coordinator
// and the campaign state machine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/chimera-sh/factory/internal/campaign"
	"github.com/chimera-sh/factory/internal/coordinator"
	factoryotel "github.com/chimera-sh/factory/internal/otel"
	"github.com/chimera-sh/factory/internal/persistence"
	"github.com/chimera-sh/factory/internal/shared"
	"github.com/chimera-sh/factory/internal/skills"
)

// Config tunes the pool.
type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Pool drives task execution.
type Pool struct {
	store     *persistence.Store
	invoker   *skills.Invoker
	coord     *coordinator.Coordinator
	campaigns *campaign.Manager
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	baseID    string
}

func NewPool(
	store *persistence.Store,
	invoker *skills.Invoker,
	coord *coordinator.Coordinator,
	campaigns *campaign.Manager,
	cfg Config,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:     store,
		invoker:   invoker,
		coord:     coord,
		campaigns: campaigns,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    nooptrace.NewTracerProvider().Tracer(factoryotel.TracerName),
		baseID:    uuid.NewString()[:8],
	}
}

// SetTracer replaces the default no-op tracer. Call before Run.
func (p *Pool) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		p.tracer = tracer
	}
}

// Run blocks until ctx is canceled, running Concurrency worker loops.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", p.baseID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.store.LeaseTask(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("lease failed", "worker_id", workerID, "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.process(ctx, workerID, task)
	}
}

// ProcessOne leases and executes at most one task. Returns false when the
// queue had nothing eligible. Used by tests and the CLI drain command.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s-one", p.baseID)
	}
	task, err := p.store.LeaseTask(ctx, workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	p.process(ctx, workerID, task)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, task *persistence.Task) {
	ctx = shared.WithWorkerID(ctx, workerID)
	ctx = shared.WithCampaignID(ctx, task.CampaignID)
	ctx = shared.WithTaskID(ctx, task.ID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	log := p.logger.With("worker_id", workerID, "task_id", task.ID,
		"campaign_id", task.CampaignID, "skill", task.Skill)

	ctx, span := factoryotel.StartConsumerSpan(ctx, p.tracer, "task.process",
		factoryotel.AttrTaskID.String(task.ID),
		factoryotel.AttrCampaignID.String(task.CampaignID),
		factoryotel.AttrSkill.String(task.Skill),
		factoryotel.AttrWorkerID.String(workerID),
	)
	defer span.End()

	if err := p.store.StartTask(ctx, task.ID, workerID); err != nil {
		// Lease lost between claim and start; someone else owns it now.
		log.Warn("start rejected, dropping lease", "error", err)
		return
	}

	// A committed result for this idempotency key means a previous delivery
	// finished the work; commit it again and skip execution.
	if prior, err := p.store.LookupResult(ctx, task.IdempotencyKey); err != nil {
		log.Error("result lookup failed", "error", err)
	} else if prior != nil {
		log.Info("re-delivery of committed work, skipping execution")
		p.commit(ctx, log, workerID, task, prior.Result)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, log, task.ID, workerID)

	result, err := p.invoker.Invoke(ctx, task.Skill, task.Payload)
	stopHeartbeat()
	if err != nil {
		span.RecordError(err)
		p.settleFailure(ctx, log, task, err)
		return
	}
	p.commit(ctx, log, workerID, task, result)
}

func (p *Pool) commit(ctx context.Context, log *slog.Logger, workerID string, task *persistence.Task, result json.RawMessage) {
	already, err := p.coord.CommitTaskResult(ctx, task.ID, workerID, result)
	if err != nil {
		log.Error("commit failed, lease will expire and requeue", "error", err)
		return
	}
	log.Info("task succeeded", "already_applied", already)
	p.recompute(ctx, log, task.CampaignID)
}

func (p *Pool) settleFailure(ctx context.Context, log *slog.Logger, task *persistence.Task, cause error) {
	if skills.Retryable(cause) {
		reason := persistence.ReasonRetrySkillError
		var timeout *skills.TimeoutError
		if errors.As(cause, &timeout) {
			reason = persistence.ReasonRetryTimeout
		}
		decision, err := p.store.NackTask(ctx, task.ID, reason, cause.Error())
		if err != nil {
			log.Error("nack failed", "error", err)
			return
		}
		switch decision.Outcome {
		case persistence.FailureOutcomeDeadLetter:
			log.Error("task dead-lettered", "attempt", decision.Attempt, "error", cause)
			p.recompute(ctx, log, task.CampaignID)
		default:
			log.Warn("task scheduled for retry",
				"attempt", decision.Attempt, "backoff_until", decision.BackoffUntil, "error", cause)
		}
		return
	}

	reason := persistence.ReasonFatalValidation
	var violation *skills.ContractViolationError
	if errors.As(cause, &violation) {
		reason = persistence.ReasonFatalContract
	}
	if err := p.store.FailTask(ctx, task.ID, reason, cause.Error()); err != nil {
		log.Error("fatal fail transition failed", "error", err)
		return
	}
	log.Error("task failed fatally", "reason", reason, "error", cause)
	p.recompute(ctx, log, task.CampaignID)
}

func (p *Pool) recompute(ctx context.Context, log *slog.Logger, campaignID string) {
	if p.campaigns == nil {
		return
	}
	if _, err := p.campaigns.OnTaskTerminal(ctx, campaignID); err != nil {
		log.Error("campaign recompute failed", "error", err)
	}
}

func (p *Pool) heartbeat(ctx context.Context, log *slog.Logger, taskID, workerID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.ExtendLease(ctx, taskID, workerID)
			if err != nil {
				log.Warn("lease extension failed", "error", err)
				continue
			}
			if !ok {
				log.Warn("lease lost mid-execution, result may be superseded")
				return
			}
		}
	}
}
