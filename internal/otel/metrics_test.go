package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDispatches == nil {
		t.Error("TaskDispatches is nil")
	}
	if m.TaskRejections == nil {
		t.Error("TaskRejections is nil")
	}
	if m.TaskRunDuration == nil {
		t.Error("TaskRunDuration is nil")
	}
	if m.CronJobs == nil {
		t.Error("CronJobs is nil")
	}
	if m.WatchExecutions == nil {
		t.Error("WatchExecutions is nil")
	}
	if m.PollRuns == nil {
		t.Error("PollRuns is nil")
	}
	if m.Narrations == nil {
		t.Error("Narrations is nil")
	}
	if m.RecoveredCycles == nil {
		t.Error("RecoveredCycles is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestNoopMetrics_Usable(t *testing.T) {
	m := NoopMetrics()
	m.TaskDispatches.Add(context.Background(), 1)
	m.TaskRunDuration.Record(context.Background(), 0.5)
	m.CronJobs.Add(context.Background(), -1)
}
