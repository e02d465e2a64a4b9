package doctor

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/basket/convmem/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:  t.TempDir(),
		BindAddr: "127.0.0.1:0",
		LLM:      config.LLMConfig{Provider: "google"},
		Memory: config.MemoryConfig{
			Mode:               "inline",
			SummarizeThreshold: 12,
			RecentLimit:        8,
			MinBatch:           4,
			StaleAfterSeconds:  300,
		},
		Store: config.StoreConfig{Driver: "sqlite"},
	}
}

func TestChecks_NilConfig(t *testing.T) {
	checks := []func(context.Context, *config.Config) CheckResult{
		checkPolicy, checkAPIKeys, checkDatabase, checkPermissions, checkListener, checkNetwork,
	}
	for _, check := range checks {
		if res := check(context.Background(), nil); res.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", res.Name, res.Status)
		}
	}
	if res := checkConfig(context.Background(), nil); res.Status != StatusFail {
		t.Fatalf("config: expected FAIL, got %s", res.Status)
	}
}

func TestCheckEnvironment_RedactsSecrets(t *testing.T) {
	t.Setenv("CONVMEM_LOG_LEVEL", "debug")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret-value")

	res := checkEnvironment(context.Background(), nil)
	if res.Status != StatusPass {
		t.Fatalf("status = %s", res.Status)
	}
	if !strings.Contains(res.Detail, "CONVMEM_LOG_LEVEL=debug") {
		t.Fatalf("detail missing log level: %q", res.Detail)
	}
	if strings.Contains(res.Detail, "sk-ant-secret-value") || !strings.Contains(res.Detail, "ANTHROPIC_API_KEY=[REDACTED]") {
		t.Fatalf("api key not redacted: %q", res.Detail)
	}
}

func TestCheckPolicy(t *testing.T) {
	cfg := validConfig(t)
	if res := checkPolicy(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}

	cfg.Memory.SummarizeThreshold = 8
	if res := checkPolicy(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("threshold == recent limit: expected FAIL, got %+v", res)
	}

	cfg = validConfig(t)
	cfg.Memory.Mode = "deferred"
	cfg.Memory.StaleAfterSeconds = 0
	if res := checkPolicy(context.Background(), cfg); res.Status != StatusWarn {
		t.Fatalf("deferred without stale timeout: expected WARN, got %+v", res)
	}
}

func TestCheckAPIKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := validConfig(t)
	if res := checkAPIKeys(context.Background(), cfg); res.Status != StatusWarn {
		t.Fatalf("no keys: expected WARN, got %+v", res)
	}

	t.Setenv("GEMINI_API_KEY", "k")
	if res := checkAPIKeys(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("key set: expected PASS, got %+v", res)
	}

	cfg.LLM.FallbackProviders = []string{"anthropic", "openai_compatible"}
	res := checkAPIKeys(context.Background(), cfg)
	if res.Status != StatusWarn || res.Message != "Missing credentials for anthropic" {
		t.Fatalf("fallback missing: got %+v", res)
	}
}

func TestCheckDatabase_SQLite(t *testing.T) {
	cfg := validConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
	if res.Detail == "" {
		t.Fatal("expected queue counts in detail")
	}
}

func TestCheckPermissions(t *testing.T) {
	if res := checkPermissions(context.Background(), validConfig(t)); res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
}

func TestCheckListener_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := validConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if res := checkListener(context.Background(), cfg); res.Status != StatusWarn {
		t.Fatalf("expected WARN for busy port, got %+v", res)
	}

	cfg.BindAddr = "127.0.0.1:0"
	if res := checkListener(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS for free port, got %+v", res)
	}
}

func TestProviderHost(t *testing.T) {
	tests := []struct {
		provider string
		baseURL  string
		want     string
	}{
		{"google", "", "generativelanguage.googleapis.com"},
		{"anthropic", "", "api.anthropic.com"},
		{"unknown_provider", "", "generativelanguage.googleapis.com"},
		{"openai_compatible", "http://localhost:11434/v1", "localhost"},
	}
	for _, tt := range tests {
		cfg := &config.Config{LLM: config.LLMConfig{Provider: tt.provider, BaseURL: tt.baseURL}}
		if got := providerHost(cfg); got != tt.want {
			t.Errorf("providerHost(%s, %q) = %q, want %q", tt.provider, tt.baseURL, got, tt.want)
		}
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := validConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestRun_CollectsAllChecks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d := Run(ctx, validConfig(t), "test")
	if len(d.Results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}
