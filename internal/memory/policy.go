package memory

import (
	"fmt"
	"time"
)

// Phase names where a session sits in the summarization state machine.
type Phase string

const (
	PhaseBelowThreshold Phase = "BELOW_THRESHOLD"
	PhaseReady          Phase = "READY_TO_SUMMARIZE"
	PhaseSummarizing    Phase = "SUMMARIZING"
	PhaseSummarized     Phase = "SUMMARIZED"
)

// Policy holds the pruning and summarization thresholds.
type Policy struct {
	// SummarizeThreshold is the window length at which summarization is considered.
	SummarizeThreshold int
	// RecentLimit is the number of newest messages kept verbatim after a pass.
	RecentLimit int
	// MinBatch is the smallest number of old messages worth summarizing.
	MinBatch int
	// StaleAfter is how long a running job may go unreconciled before it is
	// reclaimed. Zero disables reclaiming.
	StaleAfter time.Duration
}

// DefaultPolicy returns the stock thresholds: 12 / 8 / 4 with a five minute
// stale timeout.
func DefaultPolicy() Policy {
	return Policy{
		SummarizeThreshold: 12,
		RecentLimit:        8,
		MinBatch:           4,
		StaleAfter:         5 * time.Minute,
	}
}

// Validate rejects thresholds that could never summarize or never prune.
func (p Policy) Validate() error {
	switch {
	case p.RecentLimit <= 0:
		return fmt.Errorf("recent_limit must be positive, got %d", p.RecentLimit)
	case p.MinBatch <= 0:
		return fmt.Errorf("min_batch must be positive, got %d", p.MinBatch)
	case p.SummarizeThreshold <= p.RecentLimit:
		return fmt.Errorf("summarize_threshold (%d) must exceed recent_limit (%d)", p.SummarizeThreshold, p.RecentLimit)
	case p.StaleAfter < 0:
		return fmt.Errorf("stale_after must not be negative")
	}
	return nil
}

// Decision is the outcome of evaluating the policy against a state.
type Decision struct {
	Phase Phase
	// Candidates is len(messages) - RecentLimit, clamped at zero.
	Candidates int
	// Batch holds the non-system messages of the candidate prefix, oldest first.
	Batch []Message
	// ThroughID is the id of the last message in the candidate prefix. Applying
	// a summary drops every message up to and including it.
	ThroughID string
	// Blocked is set when a non-stale job is already running.
	Blocked bool
}

// ShouldSummarize reports whether the caller should start a summarization pass.
func (d Decision) ShouldSummarize() bool {
	return d.Phase == PhaseSummarizing && !d.Blocked && len(d.Batch) > 0
}

// Evaluate applies the threshold and batch-size rules to s.
func (p Policy) Evaluate(s State, now time.Time) Decision {
	n := len(s.Messages)
	if n < p.SummarizeThreshold {
		return Decision{Phase: PhaseBelowThreshold}
	}
	candidates := n - p.RecentLimit
	if candidates < 0 {
		candidates = 0
	}
	if candidates < p.MinBatch {
		return Decision{Phase: PhaseReady, Candidates: candidates}
	}
	if s.PendingJob.Running() && !s.PendingJob.Stale(now, p.StaleAfter) {
		return Decision{Phase: PhaseSummarizing, Candidates: candidates, Blocked: true}
	}

	prefix := s.Messages[:candidates]
	batch := make([]Message, 0, len(prefix))
	for _, m := range prefix {
		if m.Role == RoleSystem {
			continue
		}
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return Decision{Phase: PhaseReady, Candidates: candidates}
	}
	return Decision{
		Phase:      PhaseSummarizing,
		Candidates: candidates,
		Batch:      batch,
		ThroughID:  prefix[len(prefix)-1].ID,
	}
}

// PruneSuffix returns a copy of the newest k messages, order preserved.
func PruneSuffix(msgs []Message, k int) []Message {
	if k <= 0 {
		return []Message{}
	}
	if len(msgs) <= k {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]Message, k)
	copy(out, msgs[len(msgs)-k:])
	return out
}

// ApplySummary installs summary as the rolling summary and drops every message
// up to and including throughID. Messages after throughID, including any that
// arrived while the summary was being produced, are kept in order. When
// throughID is no longer present nothing is pruned. It returns the new state
// and the number of messages dropped.
func ApplySummary(s State, summary, throughID string) (State, int) {
	out := s.Clone()
	out.Summary = &summary
	idx := out.IndexOf(throughID)
	if idx < 0 {
		return out, 0
	}
	out.Messages = PruneSuffix(out.Messages, len(out.Messages)-idx-1)
	return out, idx + 1
}
