package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/convmem/internal/bus"
	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/jobs"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	otelPkg "github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/summarize"
	"go.opentelemetry.io/otel/trace"
)

// policyFromConfig maps the memory section onto summarization thresholds.
func policyFromConfig(cfg config.Config) memory.Policy {
	return memory.Policy{
		SummarizeThreshold: cfg.Memory.SummarizeThreshold,
		RecentLimit:        cfg.Memory.RecentLimit,
		MinBatch:           cfg.Memory.MinBatch,
		StaleAfter:         cfg.StaleAfter(),
	}
}

func providerConfig(cfg config.Config, provider string) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: provider,
		Model:    cfg.ProviderModel(provider),
		APIKey:   cfg.ProviderAPIKey(provider),
		BaseURL:  cfg.ProviderBaseURL(provider),
		Timeout:  cfg.LLMTimeout(),
	}
}

// buildInferer creates the primary provider, wraps it in a failover chain
// when fallbacks are configured and instruments the result. breakers may be
// nil, in which case breaker state lives only in memory.
func buildInferer(ctx context.Context, cfg config.Config, breakers llm.BreakerStore, tracer trace.Tracer, metrics *otelPkg.Metrics, logger *slog.Logger) llm.Inferer {
	primary := llm.Named{
		Name:    cfg.LLM.Provider,
		Inferer: llm.NewGenkitInferer(ctx, providerConfig(cfg, cfg.LLM.Provider), logger),
	}
	var inferer llm.Inferer = primary.Inferer
	if len(cfg.LLM.FallbackProviders) > 0 {
		fallbacks := make([]llm.Named, 0, len(cfg.LLM.FallbackProviders))
		for _, p := range cfg.LLM.FallbackProviders {
			fallbacks = append(fallbacks, llm.Named{
				Name:    p,
				Inferer: llm.NewGenkitInferer(ctx, providerConfig(cfg, p), logger),
			})
		}
		fo := llm.NewFailoverInferer(primary, fallbacks, cfg.LLM.FailoverThreshold, cfg.FailoverCooldown(), logger)
		if breakers != nil {
			fo.SetStore(breakers)
			fo.LoadState(ctx)
		}
		inferer = fo
	}
	model := llm.ModelName(cfg.LLM.Provider, cfg.LLM.Model)
	return llm.Instrument(inferer, model, tracer, metrics)
}

func buildSummarizer(cfg config.Config, inferer llm.Inferer, tracer trace.Tracer, logger *slog.Logger) *summarize.Summarizer {
	opts := llm.Options{
		Temperature:     cfg.LLM.SummaryTemperature,
		MaxOutputTokens: cfg.LLM.SummaryMaxTokens,
	}
	if opts.Temperature <= 0 {
		opts.Temperature = summarize.DefaultTemperature
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = summarize.DefaultMaxOutputTokens
	}
	return summarize.New(inferer,
		summarize.WithOptions(opts),
		summarize.WithTracer(tracer),
		summarize.WithLogger(logger),
	)
}

// stores is the persistence wiring for one process. The job queue always
// lives in the SQLite file; session state moves to Postgres when
// store.driver is postgres.
type stores struct {
	jobs    *persistence.Store
	kv      memory.KV
	health  interface{ Ping(context.Context) error }
	closers []io.Closer
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	sqlite, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &stores{jobs: sqlite, kv: sqlite, health: sqlite, closers: []io.Closer{sqlite}}
	if cfg.Store.Driver == "postgres" {
		pg, err := persistence.OpenPG(ctx, cfg.Store.DSN)
		if err != nil {
			_ = sqlite.Close()
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		s.kv = pg
		s.health = pg
		s.closers = append(s.closers, pg)
	}
	return s, nil
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// services is everything a turn needs, shared by serve and chat.
type services struct {
	bus         *bus.Bus
	store       *memory.Store
	locks       *memory.KeyedMutex
	coordinator *jobs.Coordinator
	engine      *engine.Engine
}

type serviceDeps struct {
	cfg     config.Config
	mode    engine.Mode
	kv      memory.KV
	queue   jobs.Executor
	inferer llm.Inferer
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	logger  *slog.Logger
}

func buildServices(d serviceDeps) (*services, error) {
	pol := policyFromConfig(d.cfg)
	b := bus.New()
	store := memory.NewStore(d.kv)
	locks := memory.NewKeyedMutex()
	sum := buildSummarizer(d.cfg, d.inferer, d.tracer, d.logger)

	coord := jobs.NewCoordinator(jobs.CoordinatorConfig{
		Store:      store,
		Locks:      locks,
		Summarizer: sum,
		Executor:   d.queue,
		Policy:     pol,
		Bus:        b,
		Metrics:    d.metrics,
		Tracer:     d.tracer,
		Logger:     d.logger.With("component", "jobs"),
	})

	ecfg := engine.Config{
		Store:      store,
		Inferer:    d.inferer,
		Summarizer: sum,
		Locks:      locks,
		Mode:       d.mode,
		Policy:     pol,
		// Empty falls back to the built-in prompt.
		SystemPrompt: d.cfg.Memory.SystemPrompt,
		Chat: llm.Options{
			Temperature:     d.cfg.LLM.ChatTemperature,
			MaxOutputTokens: d.cfg.LLM.ChatMaxTokens,
		},
		ContextLimit: engine.ContextLimitForModel(d.cfg.LLM.Provider, d.cfg.LLM.Model, d.cfg.LLM.ContextLimits),
		Bus:          b,
		Metrics:      d.metrics,
		Tracer:       d.tracer,
		Logger:       d.logger.With("component", "engine"),
	}
	if d.mode == engine.ModeDeferred {
		ecfg.Dispatcher = coord
	}
	eng, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}
	return &services{bus: b, store: store, locks: locks, coordinator: coord, engine: eng}, nil
}
