package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const resultConflict = "conflict"

// Runner executes and finalizes jobs. *Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, key, jobID string) error
	Fail(ctx context.Context, key, jobID, reason string) error
}

type PoolConfig struct {
	WorkerCount       int
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	Metrics           *otel.Metrics
	Logger            *slog.Logger
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

// Pool claims jobs from the store and runs them on a fixed set of workers.
type Pool struct {
	store   *persistence.Store
	runner  Runner
	config  PoolConfig
	metrics *otel.Metrics
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func NewPool(store *persistence.Store, runner Runner, cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:   store,
		runner:  runner,
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  logger,
		cancels: map[string]context.CancelFunc{},
	}
}

// Start requeues jobs left in flight by a previous process and launches the
// workers. Later calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		n, err := p.store.RecoverRunningJobs(ctx)
		if err != nil {
			p.logger.Error("job recovery failed", "error", err)
		} else if n > 0 {
			p.logger.Info("recovered in-flight jobs on startup", "count", n)
		}
		for i := 0; i < p.config.WorkerCount; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx)
			}()
		}
	})
}

// Drain waits for running jobs to finish, up to timeout. Jobs still running
// afterwards keep their lease and are recovered on the next start.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("job pool drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("job pool drain timeout; in-flight jobs will be recovered on restart", "timeout", timeout)
	}
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.ClaimNextJob(ctx)
		if err != nil {
			p.setLastError(err)
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if err := p.store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
			p.setLastError(fmt.Errorf("start job run: %w", err))
			continue
		}
		job.Status = persistence.JobRunning
		p.handle(ctx, *job)
	}
}

func (p *Pool) handle(ctx context.Context, job persistence.Job) {
	payload, err := decodePayload(job)
	if err != nil {
		p.setLastError(err)
		p.fail(job, payload, err)
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithSessionKey(ctx, payload.SessionKey)
	ctx = shared.WithJobID(ctx, job.ID)
	p.logger.InfoContext(ctx, "job processing", "attempt", job.Attempt+1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	p.activeJobs.Add(1)
	defer p.activeJobs.Add(-1)

	p.cancelMu.Lock()
	p.cancels[job.ID] = cancel
	p.cancelMu.Unlock()
	defer func() {
		cancel()
		p.cancelMu.Lock()
		delete(p.cancels, job.ID)
		p.cancelMu.Unlock()
	}()

	go p.heartbeat(jobCtx, cancel, job)

	start := time.Now()
	err = p.runner.Run(jobCtx, payload.SessionKey, payload.JobID)
	p.recordDuration(ctx, start, err)

	switch {
	case err == nil:
		p.complete(job, "ok")
	case errors.Is(err, ErrReconcileConflict):
		p.complete(job, resultConflict)
	case errors.Is(jobCtx.Err(), context.Canceled):
		// Lease lost, job canceled, or shutdown. Nothing to record here: a
		// live job is requeued by lease expiry or startup recovery.
		p.logger.InfoContext(ctx, "job interrupted")
	default:
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("job timeout exceeded: %w", err)
		}
		p.setLastError(err)
		p.fail(job, payload, err)
	}
}

// heartbeat extends the lease until jobCtx ends and cancels the job once the
// lease is lost.
func (p *Pool) heartbeat(jobCtx context.Context, cancel context.CancelFunc, job persistence.Job) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-jobCtx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.HeartbeatLease(context.Background(), job.ID, job.LeaseOwner)
			if err != nil {
				p.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				p.setLastError(fmt.Errorf("lease heartbeat rejected for job %s", job.ID))
				cancel()
				return
			}
		}
	}
}

func (p *Pool) complete(job persistence.Job, result string) {
	if err := p.store.CompleteJob(context.Background(), job.ID, result); err != nil {
		p.setLastError(err)
	}
}

func (p *Pool) fail(job persistence.Job, payload Payload, cause error) {
	decision, err := p.store.HandleJobFailure(context.Background(), job.ID, cause.Error())
	if err != nil {
		p.setLastError(fmt.Errorf("record job failure: %w", err))
		return
	}
	if decision.Outcome != persistence.FailureOutcomeDeadLetter {
		p.logger.Warn("job failed; retry scheduled",
			"job_id", job.ID,
			"attempt", decision.Attempt,
			"max_attempts", decision.MaxAttempts,
			"error", cause,
		)
		return
	}
	p.logger.Error("job dead-lettered",
		"job_id", job.ID,
		"reason_code", decision.ReasonCode,
		"error", cause,
	)
	if payload.SessionKey == "" {
		return
	}
	reason := decision.ReasonCode + ": " + cause.Error()
	if err := p.runner.Fail(context.Background(), payload.SessionKey, job.ID, reason); err != nil && !errors.Is(err, ErrReconcileConflict) {
		p.setLastError(fmt.Errorf("mark pending job failed: %w", err))
	}
}

// Cancel stops a job running on this pool, if any.
func (p *Pool) Cancel(jobID string) bool {
	p.cancelMu.RLock()
	cancel, ok := p.cancels[jobID]
	p.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) recordDuration(ctx context.Context, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, ErrReconcileConflict):
		outcome = resultConflict
	case err != nil:
		outcome = "error"
	}
	p.metrics.JobDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}

func (p *Pool) Status() Status {
	st := Status{
		WorkerCount: p.config.WorkerCount,
		ActiveJobs:  p.activeJobs.Load(),
	}
	if ptr := p.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}
