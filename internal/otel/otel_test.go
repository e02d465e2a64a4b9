package otel

import (
	"context"
	"errors"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	off := false
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: "stdout"}},
		{name: "custom service and sampling", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "convmem-test", SampleRate: 0.5}},
		{name: "metrics disabled", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: &off}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
				t.Fatalf("incomplete provider: %+v", p)
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "convmem.summarize",
		AttrSessionKey.String("s-1"),
		AttrJobID.String("job-1"),
	)
	EndSpan(span, nil)

	_, span = StartServerSpan(context.Background(), p.Tracer, "convmem.turn", AttrMode.String("inline"))
	EndSpan(span, errors.New("inference failed"))

	_, span = StartClientSpan(context.Background(), p.Tracer, "convmem.llm.infer", AttrModel.String("googleai/gemini-2.5-flash"))
	EndSpan(span, nil)
}
