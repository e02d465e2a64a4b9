// Package engine runs chat turns against a session's memory: it assembles the
// prompt from the rolling summary and the recent window, calls the model, and
// applies the summarization policy inline or through the job coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/convmem/internal/bus"
	"github.com/basket/convmem/internal/jobs"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/shared"
	"github.com/basket/convmem/internal/tokenutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how a summarization pass is carried out.
type Mode string

const (
	// ModeInline summarizes inside the turn, before the reply is returned.
	ModeInline Mode = "inline"
	// ModeDeferred hands summarization to the job coordinator.
	ModeDeferred Mode = "deferred"
)

// ParseMode maps a config value to a Mode. Empty means inline.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeInline:
		return ModeInline, nil
	case ModeDeferred:
		return ModeDeferred, nil
	}
	return "", fmt.Errorf("unknown memory mode %q", s)
}

const (
	DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely, and stay consistent with what was said earlier in the conversation."

	DefaultChatTemperature = 0.3
	DefaultChatMaxTokens   = 512
)

// ErrBusy is returned when the session lock could not be taken before the
// context ended.
var ErrBusy = memory.ErrBusy

// Summarizer folds a batch into the rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, batch []memory.Message, existing *string) (string, error)
}

// Dispatcher starts a background summarization job.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string) (jobs.JobHandle, bool, error)
}

// Config wires an Engine. Store and Inferer are required; Summarizer is
// required in inline mode and Dispatcher in deferred mode.
type Config struct {
	Store      *memory.Store
	Inferer    llm.Inferer
	Summarizer Summarizer
	Dispatcher Dispatcher
	// Locks must be shared with the job coordinator.
	Locks        *memory.KeyedMutex
	Mode         Mode
	Policy       memory.Policy
	SystemPrompt string
	Chat         llm.Options
	// ContextLimit is the model's context window in tokens. Zero disables the
	// oversize prompt warning.
	ContextLimit int
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// TurnResult is the reply plus a diagnostic snapshot of memory after the turn.
type TurnResult struct {
	Reply string       `json:"reply"`
	Stats memory.Stats `json:"stats"`
}

type Engine struct {
	store        *memory.Store
	inferer      llm.Inferer
	summarizer   Summarizer
	dispatcher   Dispatcher
	locks        *memory.KeyedMutex
	mode         Mode
	chat         llm.Options
	contextLimit int
	bus          *bus.Bus
	metrics      *otel.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time

	mu           sync.RWMutex
	policy       memory.Policy
	systemPrompt string
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Inferer == nil {
		return nil, errors.New("engine: store and inferer are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeInline
	}
	switch cfg.Mode {
	case ModeInline:
		if cfg.Summarizer == nil {
			return nil, errors.New("engine: inline mode requires a summarizer")
		}
	case ModeDeferred:
		if cfg.Dispatcher == nil {
			return nil, errors.New("engine: deferred mode requires a dispatcher")
		}
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
	if cfg.Policy == (memory.Policy{}) {
		cfg.Policy = memory.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Chat.Temperature <= 0 {
		cfg.Chat.Temperature = DefaultChatTemperature
	}
	if cfg.Chat.MaxOutputTokens <= 0 {
		cfg.Chat.MaxOutputTokens = DefaultChatMaxTokens
	}
	if cfg.Locks == nil {
		cfg.Locks = memory.NewKeyedMutex()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		inferer:      cfg.Inferer,
		summarizer:   cfg.Summarizer,
		dispatcher:   cfg.Dispatcher,
		locks:        cfg.Locks,
		mode:         cfg.Mode,
		chat:         cfg.Chat,
		contextLimit: cfg.ContextLimit,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		now:          time.Now,
		policy:       cfg.Policy,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) Policy() memory.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy swaps the thresholds for subsequent turns.
func (e *Engine) SetPolicy(p memory.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

// SetSystemPrompt replaces the fixed instruction. Empty restores the default.
func (e *Engine) SetSystemPrompt(s string) {
	if s == "" {
		s = DefaultSystemPrompt
	}
	e.mu.Lock()
	e.systemPrompt = s
	e.mu.Unlock()
}

func (e *Engine) currentSystemPrompt() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.systemPrompt
}

// HandleTurn appends text as a user message, answers it, persists the
// exchange and applies the summarization policy.
//
// Validation and inference errors leave the stored state untouched. A failed
// write after the reply exists is logged and flagged in Stats.PersistFailed;
// the reply is still returned.
func (e *Engine) HandleTurn(ctx context.Context, key, text string) (res TurnResult, err error) {
	if err := memory.ValidateSessionKey(key); err != nil {
		return TurnResult{}, err
	}
	userMsg, err := memory.NewMessage(memory.RoleUser, text)
	if err != nil {
		return TurnResult{}, err
	}

	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithSessionKey(ctx, key)
	if e.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, e.tracer, "convmem.turn",
			otel.AttrSessionKey.String(key),
			otel.AttrMode.String(string(e.mode)),
		)
		defer func() {
			span.SetAttributes(
				otel.AttrPhase.String(string(res.Stats.Phase)),
				otel.AttrMessages.Int(res.Stats.Total),
			)
			otel.EndSpan(span, err)
		}()
	}
	start := e.now()
	defer func() { e.recordTurn(ctx, start, err) }()

	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return TurnResult{}, err
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	st, err := e.store.Load(ctx, key)
	if err != nil {
		return TurnResult{}, err
	}
	working := st.Append(userMsg)

	prompt := BuildPrompt(e.currentSystemPrompt(), working)
	e.checkContext(ctx, prompt)
	reply, err := e.inferer.Infer(ctx, prompt, e.chat)
	if err != nil {
		e.logger.WarnContext(ctx, "chat inference failed", "error", err)
		return TurnResult{}, llm.Wrap("chat", err)
	}
	replyMsg, err := memory.NewMessage(memory.RoleAssistant, reply)
	if err != nil {
		return TurnResult{}, &llm.InferenceError{Op: "chat", Class: llm.ErrorClassUnknown, Err: llm.ErrNoCompletion}
	}
	working = working.Append(replyMsg)

	saved, err := e.store.Save(ctx, key, working)
	if err != nil {
		e.logger.ErrorContext(ctx, "persist turn failed; reply returned unsaved", "error", err)
		stats := memory.Snapshot(working)
		stats.PersistFailed = true
		stats.Phase = memory.PhaseBelowThreshold
		return e.finish(ctx, key, reply, stats), nil
	}
	working = saved

	dec := e.Policy().Evaluate(working, e.now())
	stats := memory.Stats{Phase: dec.Phase}
	if dec.ShouldSummarize() {
		switch e.mode {
		case ModeInline:
			var ok, persistFailed bool
			var pruned int
			working, ok, pruned, persistFailed = e.summarizeInline(ctx, key, working, dec)
			stats.WasSummarized = ok
			stats.Pruned = pruned
			stats.PersistFailed = persistFailed
			if ok {
				stats.Phase = memory.PhaseSummarized
			}
		case ModeDeferred:
			unlock()
			locked = false
			_, dispatched, derr := e.dispatcher.Dispatch(ctx, key)
			if derr != nil {
				e.logger.WarnContext(ctx, "summarization dispatch failed", "error", derr)
			}
			stats.Dispatched = dispatched
		}
	}

	snap := memory.Snapshot(working)
	snap.Phase = stats.Phase
	snap.WasSummarized = stats.WasSummarized
	snap.Dispatched = stats.Dispatched
	snap.Pruned = stats.Pruned
	snap.PersistFailed = stats.PersistFailed
	if stats.Dispatched {
		snap.PendingJob = memory.JobRunning
	}
	return e.finish(ctx, key, reply, snap), nil
}

// summarizeInline runs the summarizer under the turn's lock. On any failure
// the unsummarized state is returned unchanged.
func (e *Engine) summarizeInline(ctx context.Context, key string, st memory.State, dec memory.Decision) (memory.State, bool, int, bool) {
	summary, err := e.summarizer.Summarize(ctx, dec.Batch, st.Summary)
	if err != nil {
		e.metrics.RecordSummarization(ctx, string(ModeInline), "error")
		e.logger.WarnContext(ctx, "inline summarization failed; memory left unchanged", "error", err)
		return st, false, 0, false
	}
	next, pruned := memory.ApplySummary(st, summary, dec.ThroughID)
	saved, err := e.store.Save(ctx, key, next)
	if err != nil {
		e.metrics.RecordSummarization(ctx, string(ModeInline), "error")
		e.logger.ErrorContext(ctx, "persist summary failed; memory left unsummarized", "error", err)
		return st, false, 0, true
	}
	e.metrics.RecordSummarization(ctx, string(ModeInline), "success")
	if e.metrics != nil {
		e.metrics.MessagesPruned.Add(ctx, int64(pruned))
	}
	e.logger.InfoContext(ctx, "memory summarized",
		"batch", len(dec.Batch),
		"pruned", pruned,
		"remaining", len(saved.Messages),
		"summary_chars", len(summary),
	)
	e.publish(bus.TopicMemorySummarized, bus.SessionEvent{
		SessionKey: key, Mode: string(ModeInline), Pruned: pruned, Messages: len(saved.Messages),
	})
	return saved, true, pruned, false
}

func (e *Engine) finish(ctx context.Context, key, reply string, stats memory.Stats) TurnResult {
	e.logger.InfoContext(ctx, "turn completed",
		"messages", stats.Total,
		"phase", stats.Phase,
		"was_summarized", stats.WasSummarized,
		"dispatched", stats.Dispatched,
	)
	e.publish(bus.TopicTurnCompleted, bus.SessionEvent{
		SessionKey: key, Mode: string(e.mode), Messages: stats.Total, Pruned: stats.Pruned,
	})
	return TurnResult{Reply: reply, Stats: stats}
}

// checkContext warns when the assembled prompt plus the reply budget no
// longer fits the model's window.
func (e *Engine) checkContext(ctx context.Context, prompt []llm.Message) {
	if e.contextLimit <= 0 {
		return
	}
	contents := make([]string, len(prompt))
	for i, m := range prompt {
		contents[i] = m.Content
	}
	est := tokenutil.EstimatePrompt(contents...)
	if est+e.chat.MaxOutputTokens > e.contextLimit {
		e.logger.WarnContext(ctx, "prompt exceeds model context window",
			"estimated_tokens", est,
			"context_limit", e.contextLimit,
		)
	}
}

// Clear resets the session to the empty state. Clearing an empty session is
// not an error.
func (e *Engine) Clear(ctx context.Context, key string) error {
	if err := memory.ValidateSessionKey(key); err != nil {
		return err
	}
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	if err := e.store.Clear(ctx, key); err != nil {
		return err
	}
	e.logger.Info("memory cleared", "session_key", key)
	e.publish(bus.TopicMemoryCleared, bus.SessionEvent{SessionKey: key})
	return nil
}

// Snapshot returns the stored state and its statistics without taking the
// session lock.
func (e *Engine) Snapshot(ctx context.Context, key string) (memory.State, memory.Stats, error) {
	if err := memory.ValidateSessionKey(key); err != nil {
		return memory.State{}, memory.Stats{}, err
	}
	st, err := e.store.Load(ctx, key)
	if err != nil {
		return memory.State{}, memory.Stats{}, err
	}
	stats := memory.Snapshot(st)
	stats.Phase = e.Policy().Evaluate(st, e.now()).Phase
	return st, stats, nil
}

func (e *Engine) recordTurn(ctx context.Context, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.metrics.TurnDuration.Record(ctx, e.now().Sub(start).Seconds(),
		metric.WithAttributes(
			attribute.String("mode", string(e.mode)),
			attribute.String("outcome", outcome),
		))
}

func (e *Engine) publish(topic string, ev bus.SessionEvent) {
	if e.bus == nil {
		return
	}
	ev.At = e.now().UTC()
	e.bus.Publish(topic, ev)
}
