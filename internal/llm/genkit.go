package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/convmem/internal/memory"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNoCompletion is returned when the model answers with no text.
var ErrNoCompletion = errors.New("model returned no text")

// ProviderConfig selects and authenticates one model provider.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-haiku-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
	"openrouter":        "openrouter/auto",
}

// GenkitInferer calls a hosted model through Genkit.
type GenkitInferer struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGenkitInferer initializes Genkit for cfg.Provider. When no API key is
// configured or the provider is unknown it logs a warning and returns the
// deterministic OfflineInferer instead, so the process still starts.
func NewGenkitInferer(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) Inferer {
	if logger == nil {
		logger = slog.Default()
	}
	provider := NormalizeProvider(cfg.Provider)
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModels[provider]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}
	if apiKey == "" {
		logger.Warn("LLM API key missing; using deterministic offline replies", "provider", provider)
		return OfflineInferer{}
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: baseURL,
		}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)
	default:
		logger.Warn("unknown LLM provider; using deterministic offline replies", "provider", provider)
		return OfflineInferer{}
	}

	name := ModelName(provider, modelID)
	logger.Info("genkit inferer initialized", "provider", provider, "model", name)
	return &GenkitInferer{
		g:         g,
		provider:  provider,
		modelName: name,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Model returns the fully qualified model name.
func (i *GenkitInferer) Model() string { return i.modelName }

func (i *GenkitInferer) Infer(ctx context.Context, msgs []Message, opts Options) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("infer: no messages")
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	resp, err := genkit.Generate(ctx, i.g,
		ai.WithModelName(i.modelName),
		ai.WithMessages(toGenkitMessages(msgs)...),
		ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxOutputTokens,
		}),
	)
	if err != nil {
		return "", Wrap("generate "+i.provider, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &InferenceError{Op: "generate " + i.provider, Class: ErrorClassUnknown, Err: ErrNoCompletion}
	}
	return text, nil
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case memory.RoleUser:
			role = ai.RoleUser
		case memory.RoleAssistant:
			role = ai.RoleModel
		case memory.RoleSystem:
			role = ai.RoleSystem
		default:
			continue
		}
		out = append(out, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return out
}

// NormalizeProvider lowercases the name and maps "" and "gemini" to "google".
func NormalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "", "gemini", "googleai":
		return "google"
	case "claude":
		return "anthropic"
	}
	return p
}

// EnvAPIKey returns the conventional API key env var for provider.
func EnvAPIKey(provider string) string {
	switch NormalizeProvider(provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// ModelName prefixes model with the Genkit plugin namespace for provider.
func ModelName(provider, model string) string {
	provider = NormalizeProvider(provider)
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "openai_compatible/" + model
	case "openrouter":
		return "openrouter/" + model
	default:
		return "googleai/" + model
	}
}
