package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/convmem/internal/otel"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is watched for hot reload.
	ConfigFileName = "config.yaml"
	// SystemPromptFileName, when present in the home directory, replaces
	// memory.system_prompt.
	SystemPromptFileName = "SYSTEM_PROMPT.md"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter, local gateway)
	Model   string `yaml:"model"`
}

// LLMConfig selects the chat model and its decoding parameters.
type LLMConfig struct {
	// Provider names the active provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	ChatTemperature    float64 `yaml:"chat_temperature"`
	ChatMaxTokens      int     `yaml:"chat_max_tokens"`
	SummaryTemperature float64 `yaml:"summary_temperature"`
	SummaryMaxTokens   int     `yaml:"summary_max_tokens"`

	// FallbackProviders is the ordered list tried when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// ContextLimits overrides context windows by "provider/model" or model.
	ContextLimits map[string]int `yaml:"context_limits"`
}

// MemoryConfig holds the summarization policy.
type MemoryConfig struct {
	Mode               string `yaml:"mode"` // inline | deferred
	SummarizeThreshold int    `yaml:"summarize_threshold"`
	RecentLimit        int    `yaml:"recent_limit"`
	MinBatch           int    `yaml:"min_batch"`
	StaleAfterSeconds  int    `yaml:"stale_after_seconds"`
	SystemPrompt       string `yaml:"system_prompt"`
}

// JobsConfig tunes the background summarization pool.
type JobsConfig struct {
	WorkerCount         int    `yaml:"worker_count"`
	PollIntervalMillis  int    `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	MaxAttempts         int    `yaml:"max_attempts"`
	SweepSchedule       string `yaml:"sweep_schedule"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
}

// StoreConfig selects the KV backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type RetentionConfig struct {
	JobEventsDays int `yaml:"job_events_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr        string `yaml:"bind_addr"`
	LogLevel        string `yaml:"log_level"`
	MaxRequestBytes int64  `yaml:"max_request_bytes"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Memory    MemoryConfig              `yaml:"memory"`
	Jobs      JobsConfig                `yaml:"jobs"`
	Store     StoreConfig               `yaml:"store"`
	CORS      CORSConfig                `yaml:"cors"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Retention RetentionConfig           `yaml:"retention"`
	OTel      otel.Config               `yaml:"otel"`

	// NeedsGenesis is set when no config.yaml existed at load time.
	NeedsGenesis bool `yaml:"-"`
}

var providerKeyEnv = map[string]string{
	"google":            "GEMINI_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai_compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
}

// ProviderAPIKey returns the key for provider. The provider's environment
// variable wins over config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the endpoint override for provider. llm.base_url
// applies to the primary provider only.
func (c Config) ProviderBaseURL(provider string) string {
	if provider == c.LLM.Provider && c.LLM.BaseURL != "" {
		return c.LLM.BaseURL
	}
	return c.Providers[provider].BaseURL
}

// ProviderModel returns the model for provider, or "" for the provider default.
func (c Config) ProviderModel(provider string) string {
	if provider == c.LLM.Provider && c.LLM.Model != "" {
		return c.LLM.Model
	}
	return c.Providers[provider].Model
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Memory.StaleAfterSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Jobs.PollIntervalMillis) * time.Millisecond
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Jobs.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Jobs.DrainTimeoutSeconds) * time.Second
}

func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.LLM.FailoverCooldownSeconds) * time.Second
}

// DBPath is the SQLite file used when store.driver is sqlite.
func (c Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "convmem.db")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, ConfigFileName)
}

// Fingerprint returns a stable hash of the settings that shape behavior.
// Secrets are not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|fallback=%v|mode=%s|policy=%d/%d/%d/%d|jobs=%d/%d/%d|store=%s|cors=%v|rate=%d/%d",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.LLM.FallbackProviders,
		c.Memory.Mode, c.Memory.SummarizeThreshold, c.Memory.RecentLimit, c.Memory.MinBatch, c.Memory.StaleAfterSeconds,
		c.Jobs.WorkerCount, c.Jobs.MaxAttempts, c.Jobs.TaskTimeoutSeconds,
		c.Store.Driver, c.CORS.AllowedOrigins, c.RateLimit.RequestsPerMinute, c.RateLimit.Burst)
	fmt.Fprintf(h, "|prompt=%s", c.Memory.SystemPrompt)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		MaxRequestBytes: 64 << 10,
		LLM: LLMConfig{
			Provider:                "google",
			TimeoutSeconds:          60,
			ChatTemperature:         0.3,
			ChatMaxTokens:           512,
			SummaryTemperature:      0.2,
			SummaryMaxTokens:        1024,
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Memory: MemoryConfig{
			Mode:               "inline",
			SummarizeThreshold: 12,
			RecentLimit:        8,
			MinBatch:           4,
			StaleAfterSeconds:  300,
		},
		Jobs: JobsConfig{
			WorkerCount:         2,
			PollIntervalMillis:  250,
			TaskTimeoutSeconds:  120,
			MaxAttempts:         3,
			SweepSchedule:       "@every 1m",
			DrainTimeoutSeconds: 5,
		},
		Store: StoreConfig{Driver: "sqlite"},
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Trace-ID"},
			MaxAgeSeconds:  600,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 10},
		Retention: RetentionConfig{JobEventsDays: 30},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "convmem",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves CONVMEM_HOME, defaulting to ~/.convmem.
func HomeDir() string {
	if override := os.Getenv("CONVMEM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".convmem")
}

// Load reads <home>/config.yaml over the defaults, applies environment
// overrides and normalizes the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create convmem home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml when none exists.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create convmem home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}

	cfg.LLM.Provider = normalizeProvider(cfg.LLM.Provider)
	for i, p := range cfg.LLM.FallbackProviders {
		cfg.LLM.FallbackProviders[i] = normalizeProvider(p)
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}
	if cfg.LLM.ChatTemperature <= 0 {
		cfg.LLM.ChatTemperature = def.LLM.ChatTemperature
	}
	if cfg.LLM.ChatMaxTokens <= 0 {
		cfg.LLM.ChatMaxTokens = def.LLM.ChatMaxTokens
	}
	if cfg.LLM.SummaryTemperature <= 0 {
		cfg.LLM.SummaryTemperature = def.LLM.SummaryTemperature
	}
	if cfg.LLM.SummaryMaxTokens <= 0 {
		cfg.LLM.SummaryMaxTokens = def.LLM.SummaryMaxTokens
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = def.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = def.LLM.FailoverCooldownSeconds
	}

	cfg.Memory.Mode = strings.ToLower(strings.TrimSpace(cfg.Memory.Mode))
	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = def.Memory.Mode
	}
	if cfg.Memory.SummarizeThreshold <= 0 {
		cfg.Memory.SummarizeThreshold = def.Memory.SummarizeThreshold
	}
	if cfg.Memory.RecentLimit <= 0 {
		cfg.Memory.RecentLimit = def.Memory.RecentLimit
	}
	if cfg.Memory.MinBatch <= 0 {
		cfg.Memory.MinBatch = def.Memory.MinBatch
	}
	if cfg.Memory.StaleAfterSeconds <= 0 {
		cfg.Memory.StaleAfterSeconds = def.Memory.StaleAfterSeconds
	}

	if cfg.Jobs.WorkerCount <= 0 {
		cfg.Jobs.WorkerCount = def.Jobs.WorkerCount
	}
	if cfg.Jobs.PollIntervalMillis <= 0 {
		cfg.Jobs.PollIntervalMillis = def.Jobs.PollIntervalMillis
	}
	if cfg.Jobs.TaskTimeoutSeconds <= 0 {
		cfg.Jobs.TaskTimeoutSeconds = def.Jobs.TaskTimeoutSeconds
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = def.Jobs.MaxAttempts
	}
	if strings.TrimSpace(cfg.Jobs.SweepSchedule) == "" {
		cfg.Jobs.SweepSchedule = def.Jobs.SweepSchedule
	}
	if cfg.Jobs.DrainTimeoutSeconds <= 0 {
		cfg.Jobs.DrainTimeoutSeconds = def.Jobs.DrainTimeoutSeconds
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if len(cfg.CORS.AllowedMethods) == 0 {
		cfg.CORS.AllowedMethods = def.CORS.AllowedMethods
	}
	if len(cfg.CORS.AllowedHeaders) == 0 {
		cfg.CORS.AllowedHeaders = def.CORS.AllowedHeaders
	}
	if cfg.RateLimit.Burst <= 0 && cfg.RateLimit.RequestsPerMinute > 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "", "gemini", "googleai":
		return "google"
	case "claude":
		return "anthropic"
	}
	return p
}

func validate(cfg Config) error {
	switch cfg.Memory.Mode {
	case "inline", "deferred":
	default:
		return fmt.Errorf("memory.mode must be inline or deferred, got %q", cfg.Memory.Mode)
	}
	if cfg.Memory.SummarizeThreshold <= cfg.Memory.RecentLimit {
		return fmt.Errorf("memory.summarize_threshold (%d) must exceed memory.recent_limit (%d)",
			cfg.Memory.SummarizeThreshold, cfg.Memory.RecentLimit)
	}
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", cfg.Store.Driver)
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONVMEM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONVMEM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONVMEM_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CONVMEM_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("CONVMEM_MEMORY_MODE"); raw != "" {
		cfg.Memory.Mode = raw
	}
	envInt("CONVMEM_LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	envInt("CONVMEM_SUMMARIZE_THRESHOLD", &cfg.Memory.SummarizeThreshold)
	envInt("CONVMEM_RECENT_LIMIT", &cfg.Memory.RecentLimit)
	envInt("CONVMEM_MIN_BATCH", &cfg.Memory.MinBatch)
	envInt("CONVMEM_STALE_AFTER_SECONDS", &cfg.Memory.StaleAfterSeconds)
	envInt("CONVMEM_WORKER_COUNT", &cfg.Jobs.WorkerCount)
	envInt("CONVMEM_TASK_TIMEOUT_SECONDS", &cfg.Jobs.TaskTimeoutSeconds)
	if raw := os.Getenv("CONVMEM_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("CONVMEM_STORE_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("CONVMEM_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
}

func loadTextFiles(cfg *Config) {
	b, err := os.ReadFile(filepath.Join(cfg.HomeDir, SystemPromptFileName))
	if err != nil {
		return
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		cfg.Memory.SystemPrompt = s
	}
}
