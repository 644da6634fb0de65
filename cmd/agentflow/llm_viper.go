package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/agentflow/llm"
	"github.com/quailyquaily/agentflow/providers/gemini"
	"github.com/quailyquaily/agentflow/providers/openai"
	"github.com/spf13/viper"
)

func llmProviderFromViper() string {
	return normalizeProvider(viper.GetString("llm.provider"))
}

func llmEndpointForProvider(provider string) string {
	switch normalizeProvider(provider) {
	case "gemini":
		return ""
	default:
		return firstNonEmpty(viper.GetString("llm.endpoint"), openai.DefaultEndpoint)
	}
}

func llmAPIKeyForProvider(provider string) string {
	switch normalizeProvider(provider) {
	case "gemini":
		return firstNonEmpty(viper.GetString("llm.gemini.api_key"), viper.GetString("llm.api_key"))
	default:
		return strings.TrimSpace(viper.GetString("llm.api_key"))
	}
}

func llmModelForProvider(provider string) string {
	switch normalizeProvider(provider) {
	case "gemini":
		return firstNonEmpty(viper.GetString("llm.gemini.model"), viper.GetString("llm.model"))
	default:
		return strings.TrimSpace(viper.GetString("llm.model"))
	}
}

// llmParametersFromViper returns the provider knobs sent with every call.
func llmParametersFromViper() map[string]any {
	params := map[string]any{}
	if viper.IsSet("llm.temperature") {
		params["temperature"] = viper.GetFloat64("llm.temperature")
	}
	if n := viper.GetInt("llm.max_tokens"); n > 0 {
		params["max_tokens"] = n
	}
	return params
}

// llmClientFromViper builds the configured provider client. The returned func
// releases provider resources.
func llmClientFromViper(ctx context.Context) (llm.Client, func(), error) {
	provider := llmProviderFromViper()
	switch provider {
	case "openai":
		c := openai.New(llmEndpointForProvider(provider), llmAPIKeyForProvider(provider))
		return c, func() {}, nil
	case "gemini":
		c, err := gemini.New(ctx, llmAPIKeyForProvider(provider))
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported llm.provider: %s", provider)
	}
}

func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "openai"
	}
	return provider
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
