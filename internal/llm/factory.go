package llm

import (
	"fmt"
	"strings"

	"github.com/ppiankov/tempora/internal/config"
)

// Environment variables consulted for credentials and endpoint overrides
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
)

// NewProvider creates a new LLM provider based on configuration.
// An empty provider name disables the LLM and returns nil, nil.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAIProvider(cfg)

	case "anthropic", "claude":
		return NewAnthropicProvider(cfg)

	case "ollama":
		return NewOllamaProvider(cfg)

	case "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (supported: openai, anthropic, ollama)", cfg.Provider)
	}
}

// KeyEnv returns the environment variable holding provider's API key
func KeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic", "claude":
		return EnvAnthropicKey
	case "openai":
		return EnvOpenAIKey
	default:
		return ""
	}
}

// ResolveCredential picks the API key for provider. The first non-empty of
// the explicit argument, the provider's environment variable and the config
// file key wins.
func ResolveCredential(provider, explicit string, getenv func(string) string, fileKey string) string {
	if explicit != "" {
		return explicit
	}
	if env := KeyEnv(provider); env != "" && getenv != nil {
		if v := getenv(env); v != "" {
			return v
		}
	}
	return fileKey
}

// ConfigFromSettings converts the loaded configuration into a provider config,
// applying credential precedence and the OPENAI_BASE_URL override.
func ConfigFromSettings(settings config.LLMConfig, explicitKey string, getenv func(string) string) Config {
	cfg := Config{
		Provider:   settings.Provider,
		Model:      settings.Model,
		APIKey:     ResolveCredential(settings.Provider, explicitKey, getenv, settings.APIKey),
		BaseURL:    settings.BaseURL,
		Timeout:    settings.Timeout,
		MaxTokens:  settings.MaxTokens,
		HTTPProxy:  settings.HTTPProxy,
		HTTPSProxy: settings.HTTPSProxy,
		NoProxy:    settings.NoProxy,
	}
	if strings.EqualFold(cfg.Provider, "openai") && getenv != nil {
		if base := getenv(EnvOpenAIBaseURL); base != "" {
			cfg.BaseURL = base
		}
	}
	return cfg
}
