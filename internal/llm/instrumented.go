package llm

import (
	"context"
	"time"

	"github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/tokenutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented wraps an Inferer with a client span and a duration histogram.
type Instrumented struct {
	next    Inferer
	model   string
	tracer  trace.Tracer
	metrics *otel.Metrics
}

// Instrument decorates next. A nil tracer or metrics disables that half.
func Instrument(next Inferer, model string, tracer trace.Tracer, metrics *otel.Metrics) *Instrumented {
	return &Instrumented{next: next, model: model, tracer: tracer, metrics: metrics}
}

func (i *Instrumented) Infer(ctx context.Context, msgs []Message, opts Options) (string, error) {
	start := time.Now()
	var span trace.Span
	if i.tracer != nil {
		contents := make([]string, len(msgs))
		for n, m := range msgs {
			contents[n] = m.Content
		}
		ctx, span = otel.StartClientSpan(ctx, i.tracer, "convmem.llm.infer",
			otel.AttrModel.String(i.model),
			otel.AttrMessages.Int(len(msgs)),
			otel.AttrTokensInput.Int(tokenutil.EstimatePrompt(contents...)),
		)
	}

	out, err := i.next.Infer(ctx, msgs, opts)

	if span != nil {
		if err == nil {
			span.SetAttributes(otel.AttrTokensOutput.Int(tokenutil.EstimateTokens(out)))
		}
		otel.EndSpan(span, err)
	}
	if i.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(ClassifyError(err))
		}
		i.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("model", i.model),
			attribute.String("outcome", outcome),
		))
	}
	return out, err
}
