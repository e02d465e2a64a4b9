// Package llm is the narrow inference boundary: an ordered list of role-tagged
// messages goes in, one text completion comes out.
package llm

import (
	"context"

	"github.com/basket/convmem/internal/memory"
)

// Message is one prompt entry.
type Message struct {
	Role    memory.Role
	Content string
}

// Options tunes a single completion.
type Options struct {
	Temperature     float64
	MaxOutputTokens int
}

// Inferer produces a completion for msgs. Implementations must be safe for
// concurrent use.
type Inferer interface {
	Infer(ctx context.Context, msgs []Message, opts Options) (string, error)
}

// InfererFunc adapts a function to Inferer.
type InfererFunc func(ctx context.Context, msgs []Message, opts Options) (string, error)

func (f InfererFunc) Infer(ctx context.Context, msgs []Message, opts Options) (string, error) {
	return f(ctx, msgs, opts)
}
