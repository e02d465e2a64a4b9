package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/convmem/internal/shared"
)

// NewLogger builds the process logger. Records are JSON lines appended to
// <homeDir>/logs/system.jsonl and mirrored to stdout unless quiet is set.
// The returned LevelVar lets a config reload change verbosity in place.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w, lvl)).With("component", "runtime")
	return logger, lvl, file, nil
}

// NewHandler returns the JSON handler used by every convmem logger. "time" is
// emitted as "timestamp", secret-looking attributes are redacted, and the
// trace, session and job ids carried by the context are attached.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return contextHandler{Handler: newJSONHandler(w, level)}
}

func newJSONHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

// contextHandler fills trace_id, session_key and job_id from the context of
// *Context logging calls. Every record gets a trace_id ("-" when unknown);
// attributes passed explicitly win.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	var hasTrace, hasSession, hasJob bool
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "trace_id":
			hasTrace = true
		case "session_key":
			hasSession = true
		case "job_id":
			hasJob = true
		}
		return true
	})
	if !hasTrace {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	}
	if key := shared.SessionKey(ctx); key != "" && !hasSession {
		r.AddAttrs(slog.String("session_key", key))
	}
	if id := shared.JobID(ctx); id != "" && !hasJob {
		r.AddAttrs(slog.String("job_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "dsn"} {
		// max_tokens style keys are numbers, not credentials.
		if token == "token" && strings.HasSuffix(lower, "tokens") {
			continue
		}
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config log level onto slog. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
