// Package openai provides the OpenAI chat-completions streaming adapter.
package openai

import (
	"time"

	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm/providers/openaicompat"
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// New creates the OpenAI provider. It is the OpenAI-compatible base with the
// OpenAI endpoint and default model.
func New(cfg Config, logger *zap.Logger) *openaicompat.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName: "openai",
		APIKey:       cfg.APIKey,
		BaseURL:      baseURL,
		DefaultModel: model,
		Timeout:      cfg.Timeout,
	}, logger)
}
