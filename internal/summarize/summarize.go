// Package summarize folds a batch of older messages into the rolling summary
// with a single model call.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEmptyBatch is returned when there is nothing to summarize.
	ErrEmptyBatch = errors.New("summarize: empty batch")
	// ErrEmptySummary is returned when the model produced no usable text.
	// The caller must leave the stored summary untouched.
	ErrEmptySummary = errors.New("summarize: model returned an empty summary")
)

const systemInstruction = "You maintain the running summary of a conversation between a user and an assistant. " +
	"Write plain, dense notes. Keep names, numbers, preferences, decisions and open questions. " +
	"Drop greetings and filler. Never invent facts that are not in the input."

// CreateTemplate is used when no summary exists yet. %s is the transcript.
const CreateTemplate = `Summarize the conversation below so the assistant can continue it later without the original messages.
Keep every durable fact, user preference, decision, and unresolved question.

Conversation:
%s

Return only the summary text.`

// MergeTemplate is used when a summary already exists. The first %s is the
// existing summary, embedded verbatim; the second is the new transcript.
const MergeTemplate = `Below is the existing summary of an ongoing conversation, followed by newer messages that are not yet covered by it.
Produce one updated summary that merges both. Keep everything still relevant from the existing summary,
add the new information, and remove duplicates. When the newer messages contradict the existing summary, keep the newer statement.

Existing summary:
%s

Newer messages:
%s

Return only the updated summary text.`

// Defaults for summarization calls.
const (
	DefaultTemperature     = 0.2
	DefaultMaxOutputTokens = 1024
)

// Summarizer calls the model with the create or merge template.
type Summarizer struct {
	inferer llm.Inferer
	opts    llm.Options
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithOptions overrides temperature and output budget. Zero fields keep the
// defaults.
func WithOptions(o llm.Options) Option {
	return func(s *Summarizer) {
		if o.Temperature > 0 {
			s.opts.Temperature = o.Temperature
		}
		if o.MaxOutputTokens > 0 {
			s.opts.MaxOutputTokens = o.MaxOutputTokens
		}
	}
}

// WithTracer records a convmem.summarize span per call.
func WithTracer(t trace.Tracer) Option {
	return func(s *Summarizer) { s.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Summarizer) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(inferer llm.Inferer, opts ...Option) *Summarizer {
	s := &Summarizer{
		inferer: inferer,
		opts: llm.Options{
			Temperature:     DefaultTemperature,
			MaxOutputTokens: DefaultMaxOutputTokens,
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize returns the new rolling summary for batch, merged with existing
// when it is non-empty.
func (s *Summarizer) Summarize(ctx context.Context, batch []memory.Message, existing *string) (out string, err error) {
	if len(batch) == 0 {
		return "", ErrEmptyBatch
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.tracer, "convmem.summarize",
			otel.AttrMessages.Int(len(batch)),
		)
		defer func() { otel.EndSpan(span, err) }()
	}

	prompt := BuildPrompt(batch, existing)
	reply, err := s.inferer.Infer(ctx, []llm.Message{
		{Role: memory.RoleSystem, Content: systemInstruction},
		{Role: memory.RoleUser, Content: prompt},
	}, s.opts)
	if err != nil {
		return "", fmt.Errorf("summarize %d messages: %w", len(batch), llm.Wrap("summarize", err))
	}
	out = strings.TrimSpace(reply)
	if out == "" {
		return "", ErrEmptySummary
	}
	s.logger.Debug("summary produced",
		"messages", len(batch),
		"merged", hasText(existing),
		"summary_chars", len(out),
	)
	return out, nil
}

// BuildPrompt renders the create or merge instruction for batch.
func BuildPrompt(batch []memory.Message, existing *string) string {
	transcript := Render(batch)
	if hasText(existing) {
		return fmt.Sprintf(MergeTemplate, *existing, transcript)
	}
	return fmt.Sprintf(CreateTemplate, transcript)
}

// Render formats messages as "ROLE: content" separated by blank lines.
func Render(batch []memory.Message) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		parts = append(parts, m.Render())
	}
	return strings.Join(parts, "\n\n")
}

func hasText(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
