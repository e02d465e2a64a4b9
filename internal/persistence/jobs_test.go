package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/shared"
)

func enqueueAndClaim(t *testing.T, store *persistence.Store, id string, maxAttempts int) *persistence.Job {
	t.Helper()
	ctx := context.Background()
	created, err := store.EnqueueJob(ctx, id, "sess", `{"session_key":"sess","job_id":"`+id+`"}`, maxAttempts)
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	job, err := store.ClaimNextJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if err := store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
		t.Fatalf("start run: %v", err)
	}
	return job
}

func makeAvailable(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE jobs SET available_at = datetime('now', '-1 minute') WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
}

func TestJobs_EnqueueIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	first, err := store.EnqueueJob(ctx, "j1", "sess", `{}`, 0)
	if err != nil || !first {
		t.Fatalf("first enqueue: %v %v", first, err)
	}
	second, err := store.EnqueueJob(ctx, "j1", "sess", `{}`, 0)
	if err != nil || second {
		t.Fatalf("second enqueue should be a no-op: %v %v", second, err)
	}
	counts, err := store.QueueCounts(ctx)
	if err != nil || counts.Queued != 1 {
		t.Fatalf("counts = %+v err = %v", counts, err)
	}
	job, err := store.GetJob(ctx, "j1")
	if err != nil || job.MaxAttempts != persistence.DefaultMaxAttempts {
		t.Fatalf("job = %+v err = %v", job, err)
	}
}

func TestJobs_ClaimReturnsNilWhenEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	job, err := store.ClaimNextJob(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected nil job, got %v %v", job, err)
	}
}

func TestJobs_LifecycleWritesEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := shared.WithTraceID(context.Background(), "trace-1")
	if _, err := store.EnqueueJob(ctx, "j1", "sess", `{}`, 3); err != nil {
		t.Fatal(err)
	}
	job, err := store.ClaimNextJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.LeaseOwner == "" || job.LeaseExpiresAt == nil {
		t.Fatalf("lease not set: %+v", job)
	}
	if err := store.StartJobRun(ctx, job.ID, "someone-else"); !errors.Is(err, persistence.ErrJobNotFound) {
		t.Fatalf("foreign lease owner should be rejected, got %v", err)
	}
	if err := store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
		t.Fatal(err)
	}
	ok, err := store.HeartbeatLease(ctx, job.ID, job.LeaseOwner)
	if err != nil || !ok {
		t.Fatalf("heartbeat: %v %v", ok, err)
	}
	if err := store.CompleteJob(ctx, job.ID, "completed"); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteJob(ctx, job.ID, "completed"); !errors.Is(err, persistence.ErrJobNotFound) {
		t.Fatalf("double complete should fail, got %v", err)
	}

	events, err := store.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []persistence.JobStatus{persistence.JobQueued, persistence.JobClaimed, persistence.JobRunning, persistence.JobSucceeded}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.StateTo != want[i] {
			t.Fatalf("event %d to=%s want %s", i, ev.StateTo, want[i])
		}
		if ev.TraceID != "trace-1" {
			t.Fatalf("event %d trace id = %q", i, ev.TraceID)
		}
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil || got.Result != "completed" || got.LeaseOwner != "" {
		t.Fatalf("final job = %+v err = %v", got, err)
	}
}

func TestJobs_FailureRetriesThenDeadLetters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	enqueueAndClaim(t, store, "j1", 2)
	d, err := store.HandleJobFailure(ctx, "j1", "upstream 503")
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != persistence.FailureOutcomeRetried || d.BackoffUntil == nil {
		t.Fatalf("first failure = %+v", d)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != persistence.JobQueued || job.Attempt != 1 {
		t.Fatalf("after retry job = %+v", job)
	}
	if claimed, _ := store.ClaimNextJob(ctx); claimed != nil {
		t.Fatal("job claimable before backoff elapsed")
	}

	makeAvailable(t, store, "j1")
	again, err := store.ClaimNextJob(ctx)
	if err != nil || again == nil {
		t.Fatalf("reclaim after backoff: %v %v", again, err)
	}
	if err := store.StartJobRun(ctx, again.ID, again.LeaseOwner); err != nil {
		t.Fatal(err)
	}
	d, err = store.HandleJobFailure(ctx, "j1", "upstream 503")
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != persistence.FailureOutcomeDeadLetter || d.ReasonCode != persistence.ReasonDeadLetterMaxAttempts {
		t.Fatalf("second failure = %+v", d)
	}
	job, _ = store.GetJob(ctx, "j1")
	if job.Status != persistence.JobDeadLetter {
		t.Fatalf("status = %s", job.Status)
	}
	counts, _ := store.QueueCounts(ctx)
	if counts.DeadLetter != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestJobs_RequeueExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	enqueueAndClaim(t, store, "j1", 3)

	n, err := store.RequeueExpiredLeases(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh lease requeued: %d %v", n, err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.DB().Exec(`UPDATE jobs SET lease_expires_at = ? WHERE id = ?`, past, "j1"); err != nil {
		t.Fatal(err)
	}
	n, err = store.RequeueExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expired lease not requeued: %d %v", n, err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != persistence.JobQueued || job.LeaseOwner != "" {
		t.Fatalf("job = %+v", job)
	}
}

func TestJobs_RecoverRunningJobs(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	enqueueAndClaim(t, store, "j1", 3)
	n, err := store.RecoverRunningJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d %v", n, err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != persistence.JobQueued {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestJobs_Cancel(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.EnqueueJob(ctx, "j1", "sess", `{}`, 3); err != nil {
		t.Fatal(err)
	}
	ok, err := store.CancelJob(ctx, "j1", "stale")
	if err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	ok, err = store.CancelJob(ctx, "j1", "stale")
	if err != nil || ok {
		t.Fatalf("second cancel should report false: %v %v", ok, err)
	}
	if ok, _ := store.CancelJob(ctx, "missing", "x"); ok {
		t.Fatal("unknown job reported canceled")
	}
}

func TestJobs_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.EnqueueJob(ctx, "old", "sess", `{}`, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CancelJob(ctx, "old", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnqueueJob(ctx, "live", "sess", `{}`, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DB().Exec(`UPDATE jobs SET updated_at = datetime('now', '-30 days')`); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DB().Exec(`UPDATE job_events SET created_at = datetime('now', '-30 days')`); err != nil {
		t.Fatal(err)
	}

	res, err := store.RunRetention(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedJobs != 1 || res.PurgedJobEvents == 0 {
		t.Fatalf("retention = %+v", res)
	}
	if _, err := store.GetJob(ctx, "live"); err != nil {
		t.Fatalf("non-terminal job purged: %v", err)
	}
	if res, err := store.RunRetention(ctx, 0); err != nil || res.PurgedJobs != 0 {
		t.Fatalf("disabled retention purged: %+v %v", res, err)
	}
}
