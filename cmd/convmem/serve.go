package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/gateway"
	"github.com/basket/convmem/internal/jobs"
	otelPkg "github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/telemetry"
)

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsGenesis {
		written, err := config.WriteDefault(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		if written {
			logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
		}
		if cfg, err = config.Load(); err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	mode, err := engine.ParseMode(cfg.Memory.Mode)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_MODE", err)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "driver", cfg.Store.Driver)

	queue := jobs.NewQueue(st.jobs, cfg.Jobs.MaxAttempts)
	inferer := buildInferer(ctx, cfg, st.kv, otelProvider.Tracer, metrics, logger.With("component", "llm"))
	svc, err := buildServices(serviceDeps{
		cfg:     cfg,
		mode:    mode,
		kv:      st.kv,
		queue:   queue,
		inferer: inferer,
		tracer:  otelProvider.Tracer,
		metrics: metrics,
		logger:  logger,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	pool := jobs.NewPool(st.jobs, svc.coordinator, jobs.PoolConfig{
		WorkerCount:  cfg.Jobs.WorkerCount,
		PollInterval: cfg.PollInterval(),
		TaskTimeout:  cfg.TaskTimeout(),
		Metrics:      metrics,
		Logger:       logger.With("component", "pool"),
	})
	pool.Start(ctx)

	sweeper, err := jobs.NewSweeper(jobs.SweeperConfig{
		Store:         st.jobs,
		Sessions:      svc.store,
		Reclaimer:     svc.coordinator,
		Schedule:      cfg.Jobs.SweepSchedule,
		RetentionDays: cfg.Retention.JobEventsDays,
		Logger:        logger.With("component", "sweeper"),
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()
	logger.Info("startup phase", "phase", "workers_started", "mode", string(mode), "workers", cfg.Jobs.WorkerCount)

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		rl := &reloader{svc: svc, levelVar: levelVar, last: cfg, logger: logger}
		go func() {
			for range watcher.Events() {
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					continue
				}
				if rl.apply(next) {
					fingerprint.Store(next.Fingerprint())
				}
			}
		}()
	}

	gw, err := gateway.New(gateway.Config{
		Engine:          svc.engine,
		Dispatcher:      svc.coordinator,
		Bus:             svc.bus,
		Store:           st.health,
		Queue:           st.jobs,
		Jobs:            st.jobs,
		Fingerprint:     func() string { return fingerprint.Load().(string) },
		Version:         Version,
		CORS:            cfg.CORS,
		RateLimit:       cfg.RateLimit,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Logger:          logger.With("component", "gateway"),
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: stop the other process or change bind_addr in config.yaml", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/v1/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	// Stop intake first, then let in-flight jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	drain := cfg.DrainTimeout()
	if drain <= 0 {
		drain = 5 * time.Second
	}
	pool.Drain(drain)
	logger.Info("shutdown complete", "pool", pool.Status())
	return exit
}

// reloader pushes hot-reloadable settings into the running services. It
// remembers the last applied config so restart-only changes are reported
// once.
type reloader struct {
	svc      *services
	levelVar *slog.LevelVar
	last     config.Config
	logger   *slog.Logger
}

// apply reports whether next was applied. Mode, storage and listener changes
// need a restart and are only logged.
func (r *reloader) apply(next config.Config) bool {
	pol := policyFromConfig(next)
	if err := r.svc.engine.SetPolicy(pol); err != nil {
		r.logger.Warn("config reload: policy rejected", "error", err)
		return false
	}
	r.svc.coordinator.SetPolicy(pol)
	r.svc.engine.SetSystemPrompt(next.Memory.SystemPrompt)
	if r.levelVar != nil {
		r.levelVar.Set(telemetry.ParseLevel(next.LogLevel))
	}
	if next.Memory.Mode != r.last.Memory.Mode || next.Store.Driver != r.last.Store.Driver || next.BindAddr != r.last.BindAddr {
		r.logger.Warn("config reload: mode, store and bind_addr changes take effect after restart")
	}
	r.last = next
	r.logger.Info("config reloaded",
		"summarize_threshold", pol.SummarizeThreshold,
		"recent_limit", pol.RecentLimit,
		"min_batch", pol.MinBatch,
		"log_level", next.LogLevel,
		"fingerprint", next.Fingerprint(),
	)
	return true
}
