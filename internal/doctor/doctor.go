// Package doctor runs local diagnostics for a convmem installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkPolicy,
		checkAPIKeys,
		checkDatabase,
		checkPermissions,
		checkListener,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults will be written on first serve"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

// envKeys are the non-CONVMEM_ variables convmem reads.
var envKeys = map[string]bool{
	"GEMINI_API_KEY":     true,
	"GOOGLE_API_KEY":     true,
	"ANTHROPIC_API_KEY":  true,
	"OPENAI_API_KEY":     true,
	"OPENROUTER_API_KEY": true,
}

func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, "CONVMEM_") || envKeys[k] {
			set = append(set, k+"="+shared.RedactEnvValue(k, v))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No overrides set"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d variable(s) set", len(set)),
		Detail:  strings.Join(set, " "),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p := memory.Policy{
		SummarizeThreshold: cfg.Memory.SummarizeThreshold,
		RecentLimit:        cfg.Memory.RecentLimit,
		MinBatch:           cfg.Memory.MinBatch,
		StaleAfter:         cfg.StaleAfter(),
	}
	if err := p.Validate(); err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error()}
	}
	res := CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("mode=%s threshold=%d recent=%d min_batch=%d", cfg.Memory.Mode, p.SummarizeThreshold, p.RecentLimit, p.MinBatch),
	}
	if p.StaleAfter == 0 && cfg.Memory.Mode == "deferred" {
		res.Status = StatusWarn
		res.Detail = "stale_after_seconds is 0: a lost job blocks summarization for its session until restart"
	}
	return res
}

// keyless providers can run against a local endpoint without credentials.
var keyless = map[string]bool{"openai_compatible": true}

func checkAPIKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Keys", Status: StatusSkip, Message: "Config missing"}
	}
	providers := append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...)
	var missing, present []string
	for _, p := range providers {
		if cfg.ProviderAPIKey(p) != "" || keyless[p] {
			present = append(present, p)
		} else {
			missing = append(missing, p)
		}
	}
	switch {
	case len(missing) == 0:
		return CheckResult{Name: "API Keys", Status: StatusPass, Message: fmt.Sprintf("Credentials found for %s", strings.Join(present, ", "))}
	case len(present) == 0:
		return CheckResult{
			Name:    "API Keys",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No credentials for %s; replies will come from the offline model", strings.Join(missing, ", ")),
			Detail:  "Set the provider's API key environment variable or providers.<name>.api_key in config.yaml",
		}
	}
	return CheckResult{
		Name:    "API Keys",
		Status:  StatusWarn,
		Message: fmt.Sprintf("Missing credentials for %s", strings.Join(missing, ", ")),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open %s failed: %v", cfg.DBPath(), err)}
	}
	defer store.Close()

	counts, err := store.QueueCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("queued=%d running=%d dead_letter=%d", counts.Queued, counts.Running, counts.DeadLetter)

	if cfg.Store.Driver == "postgres" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pg, err := persistence.OpenPG(pingCtx, cfg.Store.DSN)
		if err != nil {
			return CheckResult{Name: "Database", Status: StatusFail, Message: shared.Redact(fmt.Sprintf("Postgres unreachable: %v", err)), Detail: detail}
		}
		defer pg.Close()
		return CheckResult{Name: "Database", Status: StatusPass, Message: "SQLite job queue and Postgres session store reachable", Detail: detail}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkListener warns when bind_addr is taken. That is expected while the
// daemon is running, so it never fails.
func checkListener(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is in use (daemon already running?)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openrouter":        "openrouter.ai",
	"openai_compatible": "api.openai.com",
}

// providerHost returns the host the primary provider is reached at. A
// configured base_url wins.
func providerHost(cfg *config.Config) string {
	if base := cfg.ProviderBaseURL(cfg.LLM.Provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, ok := providerHosts[strings.ToLower(cfg.LLM.Provider)]; ok {
		return host
	}
	return providerHosts["google"]
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := providerHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.LLM.Provider, addrs),
	}
}
