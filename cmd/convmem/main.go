package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                   Start the daemon (HTTP gateway + job workers)
  %[1]s chat [-session key] [-ephemeral]
                                  Chat in the terminal against the local store
  %[1]s status                    Show daemon health status (/healthz)
  %[1]s clear <session-key>       Clear one session's memory
  %[1]s doctor [-json]            Run local diagnostics
  %[1]s help                      Show this message

ENVIRONMENT VARIABLES:
  CONVMEM_HOME            Data directory (default: ~/.convmem)
  CONVMEM_MODE            inline | deferred
  CONVMEM_LOG_LEVEL       debug | info | warn | error
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for the openai provider
  OPENROUTER_API_KEY      Key for the openrouter provider
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		os.Exit(runServe(ctx, args))
	case "chat":
		os.Exit(runChatCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "clear":
		os.Exit(runClearCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// fatalStartup logs a structured startup failure with a stable reason code
// and exits. Before the logger exists it writes the same shape to stderr.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
