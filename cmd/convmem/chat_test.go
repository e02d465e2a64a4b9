package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
)

func testConfig() config.Config {
	return config.Config{
		Memory: config.MemoryConfig{
			Mode:               "inline",
			SummarizeThreshold: 12,
			RecentLimit:        8,
			MinBatch:           4,
		},
	}
}

func newChatServices(t *testing.T) *services {
	t.Helper()
	chat := llm.InfererFunc(func(_ context.Context, msgs []llm.Message, _ llm.Options) (string, error) {
		if len(msgs) > 0 && msgs[0].Role == memory.RoleSystem && strings.Contains(msgs[0].Content, "summar") {
			return llm.OfflineInferer{}.Infer(context.Background(), msgs, llm.Options{})
		}
		return "ok: " + msgs[len(msgs)-1].Content, nil
	})
	svc, err := buildServices(serviceDeps{
		cfg:     testConfig(),
		mode:    engine.ModeInline,
		kv:      memory.NewMemKV(),
		inferer: chat,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	return svc
}

func TestChatLoop_TurnsAndCommands(t *testing.T) {
	svc := newChatServices(t)
	in := strings.NewReader("hello\n\n/session\n/memory\n/bogus\nsecond\n/quit\nnever sent\n")
	var out bytes.Buffer

	if err := chatLoop(context.Background(), svc.engine, "repl", in, &out, newChatStyles(false)); err != nil {
		t.Fatalf("chat loop: %v", err)
	}
	got := out.String()
	for _, want := range []string{"ok: hello", "repl\n", "messages=2", "no summary yet", "unknown command /bogus", "ok: second"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never sent") {
		t.Fatalf("input after /quit was processed:\n%s", got)
	}
	st, _, err := svc.engine.Snapshot(context.Background(), "repl")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 4 {
		t.Fatalf("stored %d messages, want 4", len(st.Messages))
	}
}

func TestChatLoop_SummarizesAndClears(t *testing.T) {
	svc := newChatServices(t)
	var script strings.Builder
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(&script, "turn %d\n", i)
	}
	script.WriteString("/memory\n/clear\n/memory\n")
	var out bytes.Buffer

	if err := chatLoop(context.Background(), svc.engine, "s", strings.NewReader(script.String()), &out, newChatStyles(false)); err != nil {
		t.Fatalf("chat loop: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "[memory summarized:") {
		t.Fatalf("no summarization notice:\n%s", got)
	}
	if !strings.Contains(got, "summary:") || !strings.Contains(got, "[memory cleared]") {
		t.Fatalf("missing memory output:\n%s", got)
	}
	if after := got[strings.LastIndex(got, "[memory cleared]"):]; !strings.Contains(after, "no summary yet") {
		t.Fatalf("memory not empty after clear:\n%s", got)
	}
}
