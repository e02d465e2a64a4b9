package bus

import "time"

// Memory and job lifecycle topics.
const (
	TopicTurnCompleted    = "turn.completed"
	TopicMemorySummarized = "memory.summarized"
	TopicMemoryCleared    = "memory.cleared"
	TopicJobDispatched    = "job.dispatched"
	TopicJobCompleted     = "job.completed"
	TopicJobFailed        = "job.failed"
	TopicJobReclaimed     = "job.reclaimed"
	TopicJobConflict      = "job.conflict"
)

// SessionEvent is the payload of every topic above. Fields that do not apply
// to a topic are left zero.
type SessionEvent struct {
	SessionKey string    `json:"session_key"`
	JobID      string    `json:"job_id,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Messages   int       `json:"messages,omitempty"`
	Pruned     int       `json:"pruned,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
