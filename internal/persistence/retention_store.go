package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedJobEvents int64 `json:"purged_job_events"`
	PurgedJobs      int64 `json:"purged_jobs"`
}

// RunRetention deletes job events and terminal jobs older than days. A
// non-positive window disables the purge. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge job_events: %w", err)
	}
	result.PurgedJobEvents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?;
	`, JobSucceeded, JobCanceled, JobDeadLetter, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge jobs: %w", err)
	}
	result.PurgedJobs, _ = res.RowsAffected()
	return result, nil
}
