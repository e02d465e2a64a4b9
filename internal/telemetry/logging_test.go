package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/convmem/internal/shared"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("turn handled", "session_key", "s-1", "job_id", "job-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["session_key"] != "s-1" || entry["job_id"] != "job-1" {
		t.Fatalf("expected attribute propagation, got %#v", entry)
	}
}

func TestNewHandler_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))

	logger.Info("provider configured",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"store_dsn", "postgres://u:p@localhost/db",
		"max_output_tokens", 512,
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["store_dsn"] != "[REDACTED]" {
		t.Fatalf("expected store_dsn redaction, got %#v", entry["store_dsn"])
	}
	if entry["max_output_tokens"] != float64(512) {
		t.Fatalf("token counts must not be redacted, got %#v", entry["max_output_tokens"])
	}
}

func TestLevelVar_ChangesVerbosity(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel("warn"))
	logger := slog.New(NewHandler(&buf, lvl))

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	lvl.Set(ParseLevel("debug"))
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line after level change, got %q", buf.String())
	}
}

func TestNewHandler_AttachesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))

	ctx := shared.WithTraceID(context.Background(), "trace-9")
	ctx = shared.WithSessionKey(ctx, "s-9")
	ctx = shared.WithJobID(ctx, "job-9")
	logger.InfoContext(ctx, "job reconciled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["trace_id"] != "trace-9" || entry["session_key"] != "s-9" || entry["job_id"] != "job-9" {
		t.Fatalf("context ids not attached: %#v", entry)
	}

	buf.Reset()
	logger.InfoContext(ctx, "explicit wins", "trace_id", "override")
	if strings.Count(buf.String(), `"trace_id"`) != 1 || !strings.Contains(buf.String(), `"override"`) {
		t.Fatalf("explicit trace_id should replace the context one: %s", buf.String())
	}

	buf.Reset()
	logger.Info("no context")
	if !strings.Contains(buf.String(), `"trace_id":"-"`) {
		t.Fatalf("expected placeholder trace_id: %s", buf.String())
	}
}
