package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/convmem/internal/persistence"
)

// Payload is the body stored with every queued job.
type Payload struct {
	SessionKey string `json:"session_key"`
	JobID      string `json:"job_id"`
}

// Queue submits jobs to the durable job table. It implements Executor and
// Canceler.
type Queue struct {
	store       *persistence.Store
	maxAttempts int
}

func NewQueue(store *persistence.Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = persistence.DefaultMaxAttempts
	}
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// Submit enqueues jobID. Submitting the same id twice is a no-op.
func (q *Queue) Submit(ctx context.Context, jobID, sessionKey string) error {
	raw, err := json.Marshal(Payload{SessionKey: sessionKey, JobID: jobID})
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	if _, err := q.store.EnqueueJob(ctx, jobID, sessionKey, string(raw), q.maxAttempts); err != nil {
		return err
	}
	return nil
}

// Cancel drops a job that has not finished yet.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) error {
	if _, err := q.store.CancelJob(ctx, jobID, reason); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func decodePayload(job persistence.Job) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.SessionKey == "" {
		p.SessionKey = job.SessionKey
	}
	if p.JobID == "" {
		p.JobID = job.ID
	}
	return p, nil
}
