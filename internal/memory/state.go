package memory

import "time"

// JobState is the lifecycle status of a background summarization job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobStatus tracks the single summarization job a session may have in flight.
type JobStatus struct {
	ID          string     `json:"id"`
	Status      JobState   `json:"status"`
	TriggeredAt time.Time  `json:"triggered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Covered     int        `json:"covered,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Running reports whether the job is still in flight.
func (j *JobStatus) Running() bool {
	return j != nil && j.Status == JobRunning
}

// Stale reports whether a running job has exceeded the reclaim timeout.
// A non-positive timeout disables reclaiming.
func (j *JobStatus) Stale(now time.Time, after time.Duration) bool {
	if !j.Running() || after <= 0 {
		return false
	}
	return now.Sub(j.TriggeredAt) >= after
}

// Finish returns a copy of j in a terminal status stamped at now.
func (j *JobStatus) Finish(status JobState, now time.Time, reason string) *JobStatus {
	done := now.UTC()
	out := *j
	out.Status = status
	out.CompletedAt = &done
	out.Error = reason
	return &out
}

// State is everything persisted for one conversation.
type State struct {
	Summary    *string    `json:"summary"`
	Messages   []Message  `json:"messages"`
	PendingJob *JobStatus `json:"pending_job"`
	Version    int64      `json:"version"`
}

// HasSummary reports whether a non-empty rolling summary exists.
func (s State) HasSummary() bool {
	return s.Summary != nil && *s.Summary != ""
}

// SummaryText returns the summary or "" when there is none.
func (s State) SummaryText() string {
	if s.Summary == nil {
		return ""
	}
	return *s.Summary
}

// Clone returns a deep copy so callers can mutate without aliasing stored data.
func (s State) Clone() State {
	out := State{Version: s.Version}
	if s.Summary != nil {
		v := *s.Summary
		out.Summary = &v
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.PendingJob != nil {
		j := *s.PendingJob
		if j.CompletedAt != nil {
			t := *j.CompletedAt
			j.CompletedAt = &t
		}
		out.PendingJob = &j
	}
	return out
}

// Append returns a copy of s with msgs added to the end of the window.
func (s State) Append(msgs ...Message) State {
	out := s.Clone()
	out.Messages = append(out.Messages, msgs...)
	return out
}

// IndexOf returns the position of the message with the given id, or -1.
func (s State) IndexOf(id string) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
