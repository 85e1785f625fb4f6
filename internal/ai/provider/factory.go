// Package provider builds the configured summarizer.
package provider

import (
	"fmt"

	"github.com/kiranshivaraju/mailpilot/internal/ai/anthropic"
	"github.com/kiranshivaraju/mailpilot/internal/ai/mock"
	"github.com/kiranshivaraju/mailpilot/internal/ai/openai"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// New constructs the appropriate summarizer based on config.
// Called once at startup.
func New(cfg config.AIConfig) (models.Summarizer, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.InferenceTimeout), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, anthropic, mock", cfg.Provider)
	}
}
