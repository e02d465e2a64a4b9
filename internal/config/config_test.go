package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/convmem/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromConvmemHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cm")
	writeConfig(t, home, `
memory:
  mode: deferred
  summarize_threshold: 20
  recent_limit: 10
jobs:
  worker_count: 3
llm:
  provider: claude
  fallback_providers: [gemini, openai]
`)
	if err := os.WriteFile(filepath.Join(home, config.SystemPromptFileName), []byte("  Be terse.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVMEM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.NeedsGenesis {
		t.Fatalf("home=%q genesis=%v", cfg.HomeDir, cfg.NeedsGenesis)
	}
	if cfg.Memory.Mode != "deferred" || cfg.Memory.SummarizeThreshold != 20 || cfg.Memory.RecentLimit != 10 {
		t.Fatalf("memory = %+v", cfg.Memory)
	}
	// Unset fields keep their defaults.
	if cfg.Memory.MinBatch != 4 || cfg.Memory.StaleAfterSeconds != 300 {
		t.Fatalf("memory defaults lost: %+v", cfg.Memory)
	}
	if cfg.Jobs.WorkerCount != 3 || cfg.Jobs.MaxAttempts != 3 || cfg.Jobs.SweepSchedule != "@every 1m" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
	if len(cfg.LLM.FallbackProviders) != 2 || cfg.LLM.FallbackProviders[0] != "google" {
		t.Fatalf("fallbacks = %v", cfg.LLM.FallbackProviders)
	}
	if cfg.Memory.SystemPrompt != "Be terse." {
		t.Fatalf("system prompt = %q", cfg.Memory.SystemPrompt)
	}
	if cfg.DBPath() != filepath.Join(home, "convmem.db") {
		t.Fatalf("db path = %q", cfg.DBPath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cm")
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\nllm:\n  model: from-file\n")
	t.Setenv("CONVMEM_HOME", home)
	t.Setenv("CONVMEM_BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("CONVMEM_LLM_MODEL", "gemini-2.5-pro")
	t.Setenv("CONVMEM_RECENT_LIMIT", "6")
	t.Setenv("CONVMEM_WORKER_COUNT", "not-a-number")
	t.Setenv("GEMINI_API_KEY", "test-key-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LLM.Model != "gemini-2.5-pro" || cfg.Memory.RecentLimit != 6 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Jobs.WorkerCount != 2 {
		t.Fatalf("invalid int env should be ignored, worker_count = %d", cfg.Jobs.WorkerCount)
	}
	if got := cfg.ProviderAPIKey("google"); got != "test-key-123" {
		t.Fatalf("api key = %q", got)
	}
	if got := cfg.ProviderModel("google"); got != "gemini-2.5-pro" {
		t.Fatalf("model = %q", got)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("CONVMEM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for a missing config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home not created: %v", err)
	}

	created, err := config.WriteDefault(home)
	if err != nil || !created {
		t.Fatalf("write default: %v %v", created, err)
	}
	created, err = config.WriteDefault(home)
	if err != nil || created {
		t.Fatalf("second write default should be a no-op: %v %v", created, err)
	}
	cfg, err = config.LoadFrom(home)
	if err != nil || cfg.NeedsGenesis {
		t.Fatalf("reload: genesis=%v err=%v", cfg.NeedsGenesis, err)
	}
	if cfg.Memory.Mode != "inline" || cfg.Store.Driver != "sqlite" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "memory:\n  mode: sometimes\n"},
		{"threshold below window", "memory:\n  summarize_threshold: 8\n  recent_limit: 8\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"unknown driver", "store:\n  driver: redis\n"},
		{"bad yaml", "memory: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.Memory.RecentLimit = 6
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores memory policy")
	}
	c := a
	c.Providers = map[string]config.ProviderConfig{"google": {APIKey: "secret"}}
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("fingerprint must not depend on secrets")
	}
}
