package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the convmem metric instruments.
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	JobDuration        metric.Float64Histogram
	Summarizations     metric.Int64Counter
	ReconcileConflicts metric.Int64Counter
	MessagesPruned     metric.Int64Counter
	StaleReclaims      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("convmem.turn.duration",
		metric.WithDescription("Chat turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("convmem.llm.duration",
		metric.WithDescription("Inference call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("convmem.job.duration",
		metric.WithDescription("Background summarization job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Summarizations, err = meter.Int64Counter("convmem.summarize.count",
		metric.WithDescription("Summarization passes by mode and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileConflicts, err = meter.Int64Counter("convmem.reconcile.conflicts",
		metric.WithDescription("Reconcile calls dropped because the job id no longer matched"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPruned, err = meter.Int64Counter("convmem.messages.pruned",
		metric.WithDescription("Messages folded into the rolling summary"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleReclaims, err = meter.Int64Counter("convmem.job.stale_reclaims",
		metric.WithDescription("Running jobs force-failed after exceeding the stale timeout"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSummarization counts one summarization attempt. Safe on a nil receiver.
func (m *Metrics) RecordSummarization(ctx context.Context, mode, outcome string) {
	if m == nil {
		return
	}
	m.Summarizations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}
