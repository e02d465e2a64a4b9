package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/convmem/internal/persistence"
)

// DefaultSweepSchedule runs the sweeper once a minute.
const DefaultSweepSchedule = "@every 1m"

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@every 30s" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// PendingLister lists sessions whose pending job is running.
type PendingLister interface {
	PendingSessionKeys(ctx context.Context) ([]string, error)
}

// Reclaimer force-fails a stale pending job. *Coordinator implements it.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, key string) (bool, error)
}

type SweeperConfig struct {
	Store         *persistence.Store
	Sessions      PendingLister
	Reclaimer     Reclaimer
	Schedule      string
	RetentionDays int
	Logger        *slog.Logger
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Requeued  int64
	Reclaimed int
	Retention persistence.RetentionResult
}

// Sweeper periodically requeues expired leases, reclaims stale pending jobs
// and purges old job history.
type Sweeper struct {
	store         *persistence.Store
	sessions      PendingLister
	reclaimer     Reclaimer
	schedule      cronlib.Schedule
	expr          string
	retentionDays int
	logger        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		reclaimer:     cfg.Reclaimer,
		schedule:      sched,
		expr:          expr,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
	}, nil
}

// Start runs the sweep loop in the background until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.expr)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures of one step are logged and do not stop the
// others.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	if s.store != nil {
		n, err := s.store.RequeueExpiredLeases(ctx)
		if err != nil {
			s.logger.Error("sweep: requeue expired leases", "error", err)
		}
		res.Requeued = n
	}

	if s.sessions != nil && s.reclaimer != nil {
		keys, err := s.sessions.PendingSessionKeys(ctx)
		if err != nil {
			s.logger.Error("sweep: list pending sessions", "error", err)
		}
		for _, key := range keys {
			ok, err := s.reclaimer.ReclaimStale(ctx, key)
			if err != nil {
				s.logger.Error("sweep: reclaim stale job", "session_key", key, "error", err)
				continue
			}
			if ok {
				res.Reclaimed++
			}
		}
	}

	if s.store != nil && s.retentionDays > 0 {
		r, err := s.store.RunRetention(ctx, s.retentionDays)
		if err != nil {
			s.logger.Error("sweep: retention", "error", err)
		}
		res.Retention = r
	}

	if res.Requeued > 0 || res.Reclaimed > 0 || res.Retention.PurgedJobs > 0 || res.Retention.PurgedJobEvents > 0 {
		s.logger.Info("sweep completed",
			"requeued", res.Requeued,
			"reclaimed", res.Reclaimed,
			"purged_jobs", res.Retention.PurgedJobs,
			"purged_job_events", res.Retention.PurgedJobEvents,
		)
	}
	return res
}
