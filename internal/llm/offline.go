package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/convmem/internal/memory"
)

const offlineReply = "I can answer with full LLM reasoning after an API key is configured."

// OfflineInferer answers without a model. Chat turns get a fixed notice; a
// request whose leading system instruction asks for a summary gets a compact digest
// of the transcript, so memory keeps working offline.
type OfflineInferer struct{}

func (OfflineInferer) Infer(_ context.Context, msgs []Message, _ Options) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("infer: no messages")
	}
	if !isSummaryRequest(msgs) {
		return offlineReply, nil
	}
	last := msgs[len(msgs)-1].Content
	var lines []string
	seen := map[string]bool{}
	for _, line := range strings.Split(last, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
		case strings.HasPrefix(line, "USER: "), strings.HasPrefix(line, "ASSISTANT: "):
			line = "- " + truncate(line, 160)
		default:
			continue
		}
		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "- (no content)", nil
	}
	return strings.Join(lines, "\n"), nil
}

func isSummaryRequest(msgs []Message) bool {
	first := msgs[0]
	return first.Role == memory.RoleSystem && strings.Contains(strings.ToLower(first.Content), "summar")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
