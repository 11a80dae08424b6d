// Package groq provides the Groq streaming adapter. Groq exposes an
// OpenAI-compatible API under /openai, so this is a thin config of the base.
package groq

import (
	"time"

	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm/providers/openaicompat"
)

// Config configures the Groq provider.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// New creates the Groq provider.
func New(cfg Config, logger *zap.Logger) *openaicompat.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai"
	}
	model := cfg.Model
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName: "groq",
		APIKey:       cfg.APIKey,
		BaseURL:      baseURL,
		DefaultModel: model,
		Timeout:      cfg.Timeout,
	}, logger)
}
