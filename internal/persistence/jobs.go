package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/convmem/internal/shared"
	"github.com/google/uuid"
)

const (
	defaultLeaseDuration = 30 * time.Second

	DefaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryProcessorError   = "RETRY_PROCESSOR_ERROR"
	ReasonDeadLetterPoisonPill  = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonCanceled              = "CANCELED"
)

// ErrJobNotFound is returned when a job id is unknown or not in the state the
// operation requires.
var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobClaimed    JobStatus = "CLAIMED"
	JobRunning    JobStatus = "RUNNING"
	JobRetryWait  JobStatus = "RETRY_WAIT"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobCanceled   JobStatus = "CANCELED"
	JobDeadLetter JobStatus = "DEAD_LETTER"
)

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobQueued: {
		JobClaimed:  {},
		JobCanceled: {},
	},
	JobClaimed: {
		JobRunning:  {},
		JobCanceled: {},
		JobQueued:   {}, // lease expiry / recovery
	},
	JobRunning: {
		JobSucceeded: {},
		JobFailed:    {},
		JobRetryWait: {},
		JobCanceled:  {},
		JobQueued:    {}, // crash recovery
	},
	JobRetryWait: {
		JobQueued:   {},
		JobFailed:   {},
		JobCanceled: {},
	},
	JobFailed: {
		JobDeadLetter: {},
		JobRetryWait:  {},
	},
}

// Job is one row of the summarization queue.
type Job struct {
	ID             string     `json:"id"`
	SessionKey     string     `json:"session_key"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    time.Time  `json:"available_at"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	PoisonCount    int        `json:"poison_count,omitempty"`
	Payload        string     `json:"payload"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

type JobEvent struct {
	EventID    int64     `json:"event_id"`
	JobID      string    `json:"job_id"`
	SessionKey string    `json:"session_key"`
	EventType  string    `json:"event_type"`
	TraceID    string    `json:"trace_id,omitempty"`
	StateFrom  JobStatus `json:"state_from"`
	StateTo    JobStatus `json:"state_to"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueueCounts summarizes the queue for health reporting.
type QueueCounts struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	RetryWait     int `json:"retry_wait"`
	DeadLetter    int `json:"dead_letter"`
	LeaseExpiries int `json:"lease_expiries"`
}

const jobColumns = `id, session_key, status, attempt, max_attempts, available_at,
	COALESCE(last_error_code, ''), poison_count, payload,
	COALESCE(result, ''), COALESCE(error, ''), COALESCE(lease_owner, ''),
	lease_expires_at, created_at, updated_at`

func canTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var leaseExpires sql.NullTime
	if err := scanFn(
		&job.ID,
		&job.SessionKey,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.AvailableAt,
		&job.LastErrorCode,
		&job.PoisonCount,
		&job.Payload,
		&job.Result,
		&job.Error,
		&job.LeaseOwner,
		&leaseExpires,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	} else {
		job.LeaseExpiresAt = nil
	}
	return nil
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID, sessionKey string, from, to JobStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, session_key, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, jobID, sessionKey, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}

// transitionJobTx moves a job from one of allowedFrom to `to`. It reports
// false without error when the job is missing or in another state.
func (s *Store) transitionJobTx(
	ctx context.Context,
	tx *sql.Tx,
	jobID string,
	allowedFrom []JobStatus,
	to JobStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current JobStatus
	var sessionKey string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_key FROM jobs WHERE id = ?;
	`, jobID).Scan(&current, &sessionKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select job for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, jobID, current)
	if err != nil {
		return false, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendJobEventTx(ctx, tx, jobID, sessionKey, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueJob inserts a QUEUED job with the caller's id. Re-enqueueing an
// existing id is a no-op and reports created=false.
func (s *Store) EnqueueJob(ctx context.Context, jobID, sessionKey, payload string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO jobs (id, session_key, status, max_attempts, payload, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, jobID, sessionKey, JobQueued, maxAttempts, payload)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		created = n == 1
		if created {
			if err := s.appendJobEventTx(ctx, tx, jobID, sessionKey, "", JobQueued, "job.queued", `{"reason":"dispatch"}`); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		return nil
	})
	return created, err
}

// ClaimNextJob leases the oldest available QUEUED job. It returns nil, nil
// when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job Job
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = ? AND available_at <= ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;`, JobQueued, time.Now().UTC())
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending job: %w", scanErr)
		}

		ok, err := s.transitionJobTx(ctx, tx, job.ID,
			[]JobStatus{JobQueued}, JobClaimed,
			"job.claimed", `{"reason":"claim_next"}`, nil, nil)
		if err != nil {
			return fmt.Errorf("claim job transition: %w", err)
		}
		if !ok {
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, job.ID, JobClaimed); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobClaimed
		job.LeaseOwner = leaseOwner
		job.LeaseExpiresAt = &leaseExpiresAt
		result = &job
		return nil
	})
	return result, err
}

// StartJobRun moves a claimed job to RUNNING if leaseOwner still holds it.
func (s *Store) StartJobRun(ctx context.Context, jobID, leaseOwner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentLeaseOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, '') FROM jobs WHERE id = ? AND status = ?;
	`, jobID, JobClaimed).Scan(&currentLeaseOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("read claimed lease owner: %w", err)
	}
	if currentLeaseOwner == "" || currentLeaseOwner != leaseOwner {
		return ErrJobNotFound
	}
	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobClaimed}, JobRunning,
		"job.running", `{"reason":"worker_start"}`, nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), jobID, leaseOwner, JobRunning); err != nil {
		return fmt.Errorf("extend lease on start run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start job tx: %w", err)
	}
	return nil
}

// HeartbeatLease extends the lease; false means the lease was lost.
func (s *Store) HeartbeatLease(ctx context.Context, jobID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?);
	`, time.Now().UTC().Add(defaultLeaseDuration), jobID, leaseOwner, JobClaimed, JobRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns CLAIMED or RUNNING jobs whose lease lapsed to
// the queue.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	return s.requeueWhere(ctx, `lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		[]any{time.Now().UTC()}, "job.lease_expired_requeued", `{"reason":"lease_expired"}`)
}

// RecoverRunningJobs requeues every in-flight job. Call it once at startup,
// before workers start.
func (s *Store) RecoverRunningJobs(ctx context.Context) (int64, error) {
	return s.requeueWhere(ctx, `1 = 1`, nil, "job.recovered", `{"reason":"startup_recovery"}`)
}

func (s *Store) requeueWhere(ctx context.Context, cond string, args []any, eventType, payload string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?) AND `+cond+`;
	`, append([]any{JobClaimed, JobRunning}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("query requeue candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan requeue candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate requeue candidates: %w", err)
	}
	rows.Close()

	var requeued int64
	for _, id := range ids {
		ok, err := s.transitionJobTx(ctx, tx, id,
			[]JobStatus{JobClaimed, JobRunning}, JobQueued,
			eventType, payload, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("requeue transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, JobQueued); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		requeued++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return requeued, nil
}

// CompleteJob marks a RUNNING job SUCCEEDED with result.
func (s *Store) CompleteJob(ctx context.Context, jobID, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobRunning}, JobSucceeded,
		"job.succeeded", fmt.Sprintf(`{"reason":"processor_success","result":%q}`, result),
		&result, nil)
	if err != nil {
		return fmt.Errorf("complete job transition: %w", err)
	}
	if !ok {
		return ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_owner = NULL, lease_expires_at = NULL, error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, jobID, JobSucceeded); err != nil {
		return fmt.Errorf("clear lease on complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete job tx: %w", err)
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// retryDelay is exponential from retryBaseDelay with jitter derived from the
// job id, so a given attempt always waits the same amount.
func retryDelay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(jobID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// HandleJobFailure applies retry, backoff and dead-letter decisions for a
// RUNNING job.
func (s *Store) HandleJobFailure(ctx context.Context, jobID, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin handle failure tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status          JobStatus
		attempt         int
		maxAttempts     int
		lastFingerprint string
		poisonCount     int
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, attempt, max_attempts, COALESCE(last_error_fingerprint, ''), poison_count
		FROM jobs
		WHERE id = ?;
	`, jobID).Scan(&status, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, ErrJobNotFound
		}
		return FailureDecision{}, fmt.Errorf("select job for failure handling: %w", err)
	}
	if status != JobRunning {
		return FailureDecision{}, ErrJobNotFound
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	nextAttempt := attempt + 1
	fingerprint := errorFingerprint(errMsg)
	nextPoison := 1
	if lastFingerprint != "" && lastFingerprint == fingerprint {
		nextPoison = poisonCount + 1
	}

	decision := FailureDecision{
		Attempt:          nextAttempt,
		MaxAttempts:      maxAttempts,
		ErrorFingerprint: fingerprint,
		PoisonCount:      nextPoison,
	}

	reasonCode := ReasonRetryProcessorError
	moveToDeadLetter := false
	if nextPoison >= poisonThreshold {
		reasonCode = ReasonDeadLetterPoisonPill
		moveToDeadLetter = true
	}
	if nextAttempt >= maxAttempts {
		reasonCode = ReasonDeadLetterMaxAttempts
		moveToDeadLetter = true
	}
	decision.ReasonCode = reasonCode

	if moveToDeadLetter {
		ok, err := s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobRunning}, JobFailed,
			"job.failed",
			fmt.Sprintf(`{"reason":"processor_error","reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts),
			nil, &errMsg)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to failed: %w", err)
		}
		if !ok {
			return FailureDecision{}, ErrJobNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET
				attempt = ?,
				last_error_code = ?,
				last_error_fingerprint = ?,
				poison_count = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, reasonCode, fingerprint, nextPoison, jobID, JobFailed); err != nil {
			return FailureDecision{}, fmt.Errorf("update failed metadata: %w", err)
		}
		ok, err = s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobFailed}, JobDeadLetter,
			"job.dead_letter",
			fmt.Sprintf(`{"reason":"terminal_failure","reason_code":%q}`, reasonCode),
			nil, nil)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to dead_letter: %w", err)
		}
		if !ok {
			return FailureDecision{}, ErrJobNotFound
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit dead_letter tx: %w", err)
		}
		decision.Outcome = FailureOutcomeDeadLetter
		return decision, nil
	}

	delay := retryDelay(jobID, nextAttempt)
	availableAt := time.Now().UTC().Add(delay)
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt

	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobRunning}, JobRetryWait,
		"job.retry_wait",
		fmt.Sprintf(`{"reason":"retry_scheduled","reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()),
		nil, &errMsg)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to retry_wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET
			attempt = ?,
			available_at = ?,
			last_error_code = ?,
			last_error_fingerprint = ?,
			poison_count = ?,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, nextAttempt, availableAt, reasonCode, fingerprint, nextPoison, jobID, JobRetryWait); err != nil {
		return FailureDecision{}, fmt.Errorf("update retry metadata: %w", err)
	}
	ok, err = s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobRetryWait}, JobQueued,
		"job.requeued",
		fmt.Sprintf(`{"reason":"ready_for_retry","reason_code":%q}`, reasonCode),
		nil, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to queued after retry wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrJobNotFound
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit retry tx: %w", err)
	}
	return decision, nil
}

// CancelJob moves a non-terminal job to CANCELED. It reports false when the
// job was already terminal or unknown.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobQueued, JobClaimed, JobRunning, JobRetryWait}, JobCanceled,
		"job.canceled", fmt.Sprintf(`{"reason":%q}`, reason),
		nil, &reason)
	if err != nil {
		return false, fmt.Errorf("cancel job transition: %w", err)
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_owner = NULL, lease_expires_at = NULL, last_error_code = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, ReasonCanceled, jobID, JobCanceled); err != nil {
		return false, fmt.Errorf("clear lease on cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel job tx: %w", err)
	}
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = ?;
	`, jobID).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListJobEvents returns the transition history of a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, session_key, event_type, COALESCE(trace_id, ''),
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.SessionKey, &ev.EventType, &ev.TraceID,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

func (s *Store) QueueCounts(ctx context.Context) (QueueCounts, error) {
	var m QueueCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('CLAIMED', 'RUNNING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RETRY_WAIT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DEAD_LETTER' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at <= ? AND status IN ('CLAIMED', 'RUNNING') THEN 1 ELSE 0 END), 0)
		FROM jobs;
	`, time.Now().UTC())
	if err := row.Scan(&m.Queued, &m.Running, &m.RetryWait, &m.DeadLetter, &m.LeaseExpiries); err != nil {
		return m, fmt.Errorf("queue counts: %w", err)
	}
	return m, nil
}
