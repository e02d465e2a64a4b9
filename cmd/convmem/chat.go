package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	otelPkg "github.com/basket/convmem/internal/otel"
	"github.com/basket/convmem/internal/telemetry"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

const defaultChatSession = "cli"

// chatEngine is the part of the engine the REPL drives.
type chatEngine interface {
	HandleTurn(ctx context.Context, key, text string) (engine.TurnResult, error)
	Snapshot(ctx context.Context, key string) (memory.State, memory.Stats, error)
	Clear(ctx context.Context, key string) error
}

type chatStyles struct {
	prompt lipgloss.Style
	reply  lipgloss.Style
	dim    lipgloss.Style
	err    lipgloss.Style
}

func newChatStyles(color bool) chatStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return chatStyles{prompt: plain, reply: plain, dim: plain, err: plain}
	}
	return chatStyles{
		prompt: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		reply:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// runChatCommand runs the REPL in-process. Summarization is always inline
// here since no worker pool runs.
func runChatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	session := fs.String("session", defaultChatSession, "session key to chat in")
	ephemeral := fs.Bool("ephemeral", false, "keep memory in-process only; nothing is written to disk")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	// Logs go to the log file only so the REPL stays clean.
	logger, _, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	var kv memory.KV = memory.NewMemKV()
	var breakers llm.BreakerStore
	if !*ephemeral {
		st, err := openStores(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open store: %v\n", err)
			return 1
		}
		defer st.Close()
		kv = st.kv
		breakers = st.kv
	}

	noop := otelPkg.Noop()
	inferer := buildInferer(ctx, cfg, breakers, noop.Tracer, nil, logger.With("component", "llm"))
	svc, err := buildServices(serviceDeps{
		cfg:     cfg,
		mode:    engine.ModeInline,
		kv:      kv,
		inferer: inferer,
		tracer:  noop.Tracer,
		logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 1
	}

	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	styles := newChatStyles(color)
	fmt.Fprintln(os.Stdout, styles.dim.Render(fmt.Sprintf("convmem %s | session %q | /help for commands", Version, *session)))
	if err := chatLoop(ctx, svc.engine, *session, os.Stdin, os.Stdout, styles); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}

// chatLoop reads lines from in until EOF, /quit or ctx ends.
func chatLoop(ctx context.Context, eng chatEngine, key string, in io.Reader, out io.Writer, st chatStyles) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, st.prompt.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleChatCommand(ctx, eng, key, line, out, st) {
				return nil
			}
			continue
		}
		res, err := eng.HandleTurn(ctx, key, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(out, st.err.Render("error: "+err.Error()))
			continue
		}
		fmt.Fprintln(out, st.reply.Render(res.Reply))
		if res.Stats.WasSummarized {
			fmt.Fprintln(out, st.dim.Render(fmt.Sprintf("[memory summarized: %d messages folded, %d kept]", res.Stats.Pruned, res.Stats.Total)))
		}
		if res.Stats.PersistFailed {
			fmt.Fprintln(out, st.err.Render("[warning: this exchange was not saved]"))
		}
	}
}

// handleChatCommand processes a slash command. Returns true if the chat should exit.
func handleChatCommand(ctx context.Context, eng chatEngine, key, line string, out io.Writer, st chatStyles) bool {
	cmd, _, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, "  /memory   Show the rolling summary and window statistics")
		fmt.Fprintln(out, "  /clear    Forget this session")
		fmt.Fprintln(out, "  /session  Show the session key")
		fmt.Fprintln(out, "  /quit     Exit")
	case "/session":
		fmt.Fprintln(out, key)
	case "/clear":
		if err := eng.Clear(ctx, key); err != nil {
			fmt.Fprintln(out, st.err.Render("error: "+err.Error()))
			return false
		}
		fmt.Fprintln(out, st.dim.Render("[memory cleared]"))
	case "/memory":
		state, stats, err := eng.Snapshot(ctx, key)
		if err != nil {
			fmt.Fprintln(out, st.err.Render("error: "+err.Error()))
			return false
		}
		fmt.Fprintln(out, st.dim.Render(fmt.Sprintf("messages=%d user=%d assistant=%d tokens~%d phase=%s",
			stats.Total, stats.Counts[memory.RoleUser], stats.Counts[memory.RoleAssistant], stats.EstimatedTokens, stats.Phase)))
		if state.HasSummary() {
			fmt.Fprintln(out, st.dim.Render("summary:"))
			fmt.Fprintln(out, state.SummaryText())
		} else {
			fmt.Fprintln(out, st.dim.Render("no summary yet"))
		}
	default:
		fmt.Fprintln(out, st.err.Render("unknown command "+cmd+"; try /help"))
	}
	return false
}
