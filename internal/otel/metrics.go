package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all factory metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	SkillDuration    metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksRetried     metric.Int64Counter
	TasksDeadLetter  metric.Int64Counter
	CampaignsSettled metric.Int64Counter
	LeasedTasks      metric.Int64UpDownCounter
	OutboxApplied    metric.Int64Counter
	OutboxDeferred   metric.Int64Counter
	QueueDepth       metric.Int64ObservableGauge
	OutboxDepth      metric.Int64ObservableGauge
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("chimera.task.duration",
		metric.WithDescription("Task processing duration from lease to settle in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SkillDuration, err = meter.Float64Histogram("chimera.skill.duration",
		metric.WithDescription("Skill invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("chimera.task.completed",
		metric.WithDescription("Tasks settled, by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("chimera.task.retried",
		metric.WithDescription("Task executions requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLetter, err = meter.Int64Counter("chimera.task.dead_letter",
		metric.WithDescription("Tasks moved to the dead letter state"),
	)
	if err != nil {
		return nil, err
	}

	m.CampaignsSettled, err = meter.Int64Counter("chimera.campaign.settled",
		metric.WithDescription("Campaigns reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasedTasks, err = meter.Int64UpDownCounter("chimera.task.leased",
		metric.WithDescription("Tasks currently leased by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxApplied, err = meter.Int64Counter("chimera.outbox.applied",
		metric.WithDescription("Outbox follow-up writes applied"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDeferred, err = meter.Int64Counter("chimera.outbox.deferred",
		metric.WithDescription("Outbox follow-up writes deferred after a transient failure"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge("chimera.queue.depth",
		metric.WithDescription("Pending tasks awaiting lease"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDepth, err = meter.Int64ObservableGauge("chimera.outbox.depth",
		metric.WithDescription("Staged follow-up writes awaiting the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// DepthFunc reports the current pending-task and outbox backlogs.
type DepthFunc func() (queue int64, outbox int64, err error)

// RegisterDepthCallback wires the observable depth gauges to a snapshot
// function. The returned registration must be unregistered on shutdown.
func (m *Metrics) RegisterDepthCallback(meter metric.Meter, fn DepthFunc) (metric.Registration, error) {
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		queue, outbox, err := fn()
		if err != nil {
			return err
		}
		o.ObserveInt64(m.QueueDepth, queue)
		o.ObserveInt64(m.OutboxDepth, outbox)
		return nil
	}, m.QueueDepth, m.OutboxDepth)
}
