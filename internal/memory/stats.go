package memory

import "github.com/basket/convmem/internal/tokenutil"

// Stats is a read-only diagnostic snapshot of a session's memory. It carries
// no meaning for later calls.
type Stats struct {
	HasSummary      bool         `json:"has_summary"`
	SummaryLength   int          `json:"summary_length"`
	Counts          map[Role]int `json:"counts"`
	Total           int          `json:"total"`
	EstimatedTokens int          `json:"estimated_tokens"`
	PendingJob      JobState     `json:"pending_job,omitempty"`
	Phase           Phase        `json:"phase,omitempty"`
	WasSummarized   bool         `json:"was_summarized"`
	Dispatched      bool         `json:"dispatched"`
	Pruned          int          `json:"pruned"`
	PersistFailed   bool         `json:"persist_failed,omitempty"`
}

// Snapshot computes the counters for s. Turn outcome flags are left zero.
func Snapshot(s State) Stats {
	st := Stats{
		HasSummary:    s.HasSummary(),
		SummaryLength: len(s.SummaryText()),
		Counts:        map[Role]int{RoleSystem: 0, RoleUser: 0, RoleAssistant: 0},
		Total:         len(s.Messages),
	}
	contents := make([]string, 0, len(s.Messages)+1)
	if st.HasSummary {
		contents = append(contents, *s.Summary)
	}
	for _, m := range s.Messages {
		st.Counts[m.Role]++
		contents = append(contents, m.Content)
	}
	st.EstimatedTokens = tokenutil.EstimatePrompt(contents...)
	if s.PendingJob != nil {
		st.PendingJob = s.PendingJob.Status
	}
	return st
}
