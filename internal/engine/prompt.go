package engine

import (
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
)

// SummaryPreamble introduces the rolling summary in the second system block.
const SummaryPreamble = "Summary of the earlier conversation (background context; prioritize the recent messages below when they conflict):\n\n"

// BuildPrompt assembles the chat prompt: the system instruction, the summary
// block when a summary exists, then every non-system message in order.
func BuildPrompt(systemPrompt string, st memory.State) []llm.Message {
	out := make([]llm.Message, 0, len(st.Messages)+2)
	out = append(out, llm.Message{Role: memory.RoleSystem, Content: systemPrompt})
	if st.HasSummary() {
		out = append(out, llm.Message{Role: memory.RoleSystem, Content: SummaryPreamble + *st.Summary})
	}
	for _, m := range st.Messages {
		if m.Role == memory.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
