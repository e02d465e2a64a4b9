package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TurnDuration == nil || m.LLMCallDuration == nil || m.JobDuration == nil {
		t.Fatal("histogram missing")
	}
	if m.Summarizations == nil || m.ReconcileConflicts == nil || m.MessagesPruned == nil || m.StaleReclaims == nil {
		t.Fatal("counter missing")
	}
	m.RecordSummarization(context.Background(), "inline", "ok")
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	var nilMetrics *Metrics
	nilMetrics.RecordSummarization(context.Background(), "deferred", "failed")
}
