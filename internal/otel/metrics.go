package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	TaskDispatches  metric.Int64Counter
	TaskRejections  metric.Int64Counter
	TaskRunDuration metric.Float64Histogram
	CronJobs        metric.Int64UpDownCounter
	WatchExecutions metric.Int64Counter
	PollRuns        metric.Int64Counter
	Narrations      metric.Int64Counter
	RecoveredCycles metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDispatches, err = meter.Int64Counter("rooms.task.dispatches",
		metric.WithDescription("Task executions accepted by the dispatcher"),
	); err != nil {
		return nil, err
	}
	if m.TaskRejections, err = meter.Int64Counter("rooms.task.rejections",
		metric.WithDescription("Dispatch requests rejected (inactive, running, missing)"),
	); err != nil {
		return nil, err
	}
	if m.TaskRunDuration, err = meter.Float64Histogram("rooms.task.run.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CronJobs, err = meter.Int64UpDownCounter("rooms.cron.jobs",
		metric.WithDescription("Registered cron jobs"),
	); err != nil {
		return nil, err
	}
	if m.WatchExecutions, err = meter.Int64Counter("rooms.watch.executions",
		metric.WithDescription("Debounced watch actions executed"),
	); err != nil {
		return nil, err
	}
	if m.PollRuns, err = meter.Int64Counter("rooms.poll.runs",
		metric.WithDescription("Coalesced poll executions"),
	); err != nil {
		return nil, err
	}
	if m.Narrations, err = meter.Int64Counter("rooms.commentary.narrations",
		metric.WithDescription("Commentary narrations emitted"),
	); err != nil {
		return nil, err
	}
	if m.RecoveredCycles, err = meter.Int64Counter("rooms.recovery.cycles",
		metric.WithDescription("Orphaned cycles marked interrupted at startup"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a noop meter. Components use it when
// no metrics were configured so call sites never need nil checks.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
