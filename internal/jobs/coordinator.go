// Package jobs runs summarization off the chat path: the Coordinator records
// and reconciles a session's pending job, the Queue and Pool execute it with
// retries, and the Sweeper reclaims what gets stuck.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/convmem/internal/bus"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/otel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ErrReconcileConflict is returned when a result or failure names a job that is
// no longer the session's pending job. The state is left unchanged and the
// executor must not retry.
var ErrReconcileConflict = errors.New("reconcile conflict: job superseded")

const reasonStale = "stale"

// JobHandle identifies a dispatched job.
type JobHandle struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"session_key"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Result is what a finished job reports back.
type Result struct {
	JobID     string
	Summary   string
	ThroughID string
	Covered   int
}

// Summarizer produces a merged summary for a batch.
type Summarizer interface {
	Summarize(ctx context.Context, batch []memory.Message, existing *string) (string, error)
}

// Executor accepts work for asynchronous, at-least-once execution.
type Executor interface {
	Submit(ctx context.Context, jobID, sessionKey string) error
}

// Canceler is implemented by executors that can drop a queued job.
type Canceler interface {
	Cancel(ctx context.Context, jobID, reason string) error
}

// CoordinatorConfig holds the Coordinator's collaborators. Store, Locks,
// Summarizer and Executor are required.
type CoordinatorConfig struct {
	Store      *memory.Store
	Locks      *memory.KeyedMutex
	Summarizer Summarizer
	Executor   Executor
	Policy     memory.Policy
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Coordinator owns the pending_job field of every session.
type Coordinator struct {
	store      *memory.Store
	locks      *memory.KeyedMutex
	summarizer Summarizer
	exec       Executor
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time

	policyMu sync.RWMutex
	policy   memory.Policy

	group singleflight.Group
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = memory.NewKeyedMutex()
	}
	pol := cfg.Policy
	if pol == (memory.Policy{}) {
		pol = memory.DefaultPolicy()
	}
	return &Coordinator{
		store:      cfg.Store,
		locks:      locks,
		summarizer: cfg.Summarizer,
		exec:       cfg.Executor,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     logger,
		now:        time.Now,
		policy:     pol,
	}
}

// SetExecutor replaces the executor. The pool and the coordinator reference
// each other, so one of them is wired after construction.
func (c *Coordinator) SetExecutor(exec Executor) { c.exec = exec }

// SetPolicy swaps the thresholds used by Run and by stale detection.
func (c *Coordinator) SetPolicy(p memory.Policy) {
	c.policyMu.Lock()
	c.policy = p
	c.policyMu.Unlock()
}

func (c *Coordinator) Policy() memory.Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

type dispatchResult struct {
	handle     JobHandle
	dispatched bool
}

// Dispatch records a running pending job for key and submits it. When a
// non-stale job is already running its handle is returned with
// dispatched=false. Concurrent calls for one key share a single attempt.
func (c *Coordinator) Dispatch(ctx context.Context, key string) (JobHandle, bool, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		h, ok, err := c.dispatch(ctx, key)
		return dispatchResult{handle: h, dispatched: ok}, err
	})
	if err != nil {
		return JobHandle{}, false, err
	}
	r := v.(dispatchResult)
	return r.handle, r.dispatched, nil
}

func (c *Coordinator) dispatch(ctx context.Context, key string) (JobHandle, bool, error) {
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return JobHandle{}, false, err
	}
	defer unlock()

	st, err := c.store.Load(ctx, key)
	if err != nil {
		return JobHandle{}, false, err
	}
	now := c.now().UTC()
	if pj := st.PendingJob; pj.Running() {
		if !pj.Stale(now, c.Policy().StaleAfter) {
			return handleOf(key, pj), false, nil
		}
		if err := c.reclaimLocked(ctx, key, pj, now); err != nil {
			return JobHandle{}, false, err
		}
	}

	job := &memory.JobStatus{
		ID:          uuid.NewString(),
		Status:      memory.JobRunning,
		TriggeredAt: now,
	}
	if err := c.store.SavePendingJob(ctx, key, job); err != nil {
		return JobHandle{}, false, err
	}
	if err := c.exec.Submit(ctx, job.ID, key); err != nil {
		reason := "submit: " + err.Error()
		if serr := c.store.SavePendingJob(ctx, key, job.Finish(memory.JobFailed, c.now(), reason)); serr != nil {
			c.logger.Error("mark unsubmitted job failed", "session_key", key, "job_id", job.ID, "error", serr)
		}
		c.publish(bus.TopicJobFailed, bus.SessionEvent{SessionKey: key, JobID: job.ID, Reason: reason})
		return JobHandle{}, false, fmt.Errorf("submit summarization job: %w", err)
	}

	c.logger.InfoContext(ctx, "summarization dispatched",
		"session_key", key,
		"job_id", job.ID,
		"messages", len(st.Messages),
	)
	c.publish(bus.TopicJobDispatched, bus.SessionEvent{SessionKey: key, JobID: job.ID, Messages: len(st.Messages), Mode: "deferred"})
	return handleOf(key, job), true, nil
}

// Run is the executor-side body of a job. Errors other than
// ErrReconcileConflict are retryable.
func (c *Coordinator) Run(ctx context.Context, key, jobID string) (err error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, c.tracer, "convmem.job.run",
			otel.AttrSessionKey.String(key),
			otel.AttrJobID.String(jobID),
		)
		defer func() {
			if errors.Is(err, ErrReconcileConflict) {
				otel.EndSpan(span, nil)
				return
			}
			otel.EndSpan(span, err)
		}()
	}

	st, err := c.store.Load(ctx, key)
	if err != nil {
		return err
	}
	pj := st.PendingJob
	if pj == nil || pj.ID != jobID {
		return c.conflict(key, jobID, "superseded before run")
	}
	switch pj.Status {
	case memory.JobCompleted:
		return nil
	case memory.JobFailed:
		return c.conflict(key, jobID, "failed before run")
	}

	unblocked := st.Clone()
	unblocked.PendingJob = nil
	dec := c.Policy().Evaluate(unblocked, c.now())
	if !dec.ShouldSummarize() {
		c.logger.Info("nothing to summarize", "session_key", key, "job_id", jobID, "phase", dec.Phase)
		return c.Reconcile(ctx, key, Result{JobID: jobID})
	}

	summary, err := c.summarizer.Summarize(ctx, dec.Batch, st.Summary)
	if err != nil {
		c.metrics.RecordSummarization(ctx, "deferred", "error")
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	return c.Reconcile(ctx, key, Result{
		JobID:     jobID,
		Summary:   summary,
		ThroughID: dec.ThroughID,
		Covered:   len(dec.Batch),
	})
}

// Reconcile applies a finished job to the latest state. The summary replaces
// the old one and messages through r.ThroughID are dropped; messages appended
// since the job was dispatched are kept. An empty r.Summary completes the job
// without touching summary or messages. Duplicate delivery of an applied
// result is a no-op. Because in-flight messages are kept, the window may
// exceed RecentLimit until the next turn re-evaluates the policy.
func (c *Coordinator) Reconcile(ctx context.Context, key string, r Result) error {
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := c.store.Load(ctx, key)
	if err != nil {
		return err
	}
	pj := st.PendingJob
	if pj == nil || pj.ID != r.JobID {
		return c.conflict(key, r.JobID, "pending job changed")
	}
	if pj.Status == memory.JobCompleted {
		return nil
	}
	if pj.Status != memory.JobRunning {
		return c.conflict(key, r.JobID, "pending job "+string(pj.Status))
	}

	next := st
	pruned := 0
	if r.Summary != "" {
		next, pruned = memory.ApplySummary(st, r.Summary, r.ThroughID)
	}
	done := pj.Finish(memory.JobCompleted, c.now(), "")
	done.Covered = r.Covered
	next.PendingJob = done
	if _, err := c.store.Save(ctx, key, next); err != nil {
		return err
	}

	if r.Summary == "" {
		c.publish(bus.TopicJobCompleted, bus.SessionEvent{SessionKey: key, JobID: r.JobID})
		return nil
	}
	c.metrics.RecordSummarization(ctx, "deferred", "success")
	if c.metrics != nil {
		c.metrics.MessagesPruned.Add(ctx, int64(pruned))
	}
	c.logger.Info("summary reconciled",
		"session_key", key,
		"job_id", r.JobID,
		"covered", r.Covered,
		"pruned", pruned,
		"remaining", len(next.Messages),
	)
	c.publish(bus.TopicMemorySummarized, bus.SessionEvent{SessionKey: key, JobID: r.JobID, Mode: "deferred", Pruned: pruned, Messages: len(next.Messages)})
	c.publish(bus.TopicJobCompleted, bus.SessionEvent{SessionKey: key, JobID: r.JobID, Pruned: pruned})
	return nil
}

// Fail marks the pending job failed when it still carries jobID.
func (c *Coordinator) Fail(ctx context.Context, key, jobID, reason string) error {
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := c.store.Load(ctx, key)
	if err != nil {
		return err
	}
	pj := st.PendingJob
	if pj == nil || pj.ID != jobID || pj.Status != memory.JobRunning {
		return c.conflict(key, jobID, "fail after supersede")
	}
	if err := c.store.SavePendingJob(ctx, key, pj.Finish(memory.JobFailed, c.now(), reason)); err != nil {
		return err
	}
	c.metrics.RecordSummarization(ctx, "deferred", "failure")
	c.logger.Warn("summarization job failed", "session_key", key, "job_id", jobID, "reason", reason)
	c.publish(bus.TopicJobFailed, bus.SessionEvent{SessionKey: key, JobID: jobID, Reason: reason})
	return nil
}

// ReclaimStale force-fails a running job older than the policy's StaleAfter.
// It reports whether a job was reclaimed.
func (c *Coordinator) ReclaimStale(ctx context.Context, key string) (bool, error) {
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	st, err := c.store.Load(ctx, key)
	if err != nil {
		return false, err
	}
	now := c.now().UTC()
	if !st.PendingJob.Stale(now, c.Policy().StaleAfter) {
		return false, nil
	}
	if err := c.reclaimLocked(ctx, key, st.PendingJob, now); err != nil {
		return false, err
	}
	return true, nil
}

// reclaimLocked must be called with the key lock held.
func (c *Coordinator) reclaimLocked(ctx context.Context, key string, pj *memory.JobStatus, now time.Time) error {
	if err := c.store.SavePendingJob(ctx, key, pj.Finish(memory.JobFailed, now, reasonStale)); err != nil {
		return err
	}
	if cn, ok := c.exec.(Canceler); ok {
		if err := cn.Cancel(ctx, pj.ID, reasonStale); err != nil {
			c.logger.Debug("cancel stale job", "session_key", key, "job_id", pj.ID, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.StaleReclaims.Add(ctx, 1)
	}
	c.logger.Warn("stale summarization job reclaimed",
		"session_key", key,
		"job_id", pj.ID,
		"age", now.Sub(pj.TriggeredAt).Round(time.Second).String(),
	)
	c.publish(bus.TopicJobReclaimed, bus.SessionEvent{SessionKey: key, JobID: pj.ID, Reason: reasonStale})
	return nil
}

func (c *Coordinator) conflict(key, jobID, reason string) error {
	if c.metrics != nil {
		c.metrics.ReconcileConflicts.Add(context.Background(), 1)
	}
	c.logger.Info("reconcile conflict dropped", "session_key", key, "job_id", jobID, "reason", reason)
	c.publish(bus.TopicJobConflict, bus.SessionEvent{SessionKey: key, JobID: jobID, Reason: reason})
	return fmt.Errorf("%w: %s", ErrReconcileConflict, reason)
}

func (c *Coordinator) publish(topic string, ev bus.SessionEvent) {
	if c.bus == nil {
		return
	}
	ev.At = c.now().UTC()
	c.bus.Publish(topic, ev)
}

func handleOf(key string, j *memory.JobStatus) JobHandle {
	return JobHandle{ID: j.ID, SessionKey: key, TriggeredAt: j.TriggeredAt}
}
