package engine

import "strings"

const defaultContextLimit = 128_000

// modelLimits lists context windows by model name prefix, most specific first.
var modelLimits = []struct {
	prefix string
	tokens int
}{
	{"gemini-", 1_048_576},
	{"claude-", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4.1", 1_047_576},
	{"o3", 200_000},
	{"llama-3.1", 131_072},
}

var providerLimits = map[string]int{
	"google":    1_048_576,
	"anthropic": 200_000,
	"openai":    128_000,
}

// ContextLimitForModel returns the context window for provider and model.
// overrides is checked first, by "provider/model" and then by bare model.
// Unknown models get a conservative default.
func ContextLimitForModel(provider, model string, overrides map[string]int) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	if v, ok := overrides[provider+"/"+model]; ok {
		return v
	}
	if v, ok := overrides[model]; ok {
		return v
	}
	for _, l := range modelLimits {
		if model != "" && strings.HasPrefix(model, l.prefix) {
			return l.tokens
		}
	}
	if v, ok := providerLimits[provider]; ok {
		return v
	}
	return defaultContextLimit
}
