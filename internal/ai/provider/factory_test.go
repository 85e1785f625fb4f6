package provider_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/mailpilot/internal/ai/provider"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_OpenAI(t *testing.T) {
	cfg := config.AIConfig{
		Provider:         "openai",
		InferenceTimeout: time.Minute,
		OpenAI:           config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1"},
	}
	p, err := provider.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestNew_Anthropic(t *testing.T) {
	cfg := config.AIConfig{
		Provider:  "anthropic",
		Anthropic: config.AnthropicConfig{APIKey: "sk-ant-test", Model: "claude-3-5-haiku-20241022"},
	}
	p, err := provider.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestNew_Mock(t *testing.T) {
	p, err := provider.New(config.AIConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestNew_Unknown(t *testing.T) {
	cfg := config.AIConfig{Provider: "unknown-provider"}
	_, err := provider.New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown AI provider")
	assert.Contains(t, err.Error(), "unknown-provider")
}

func TestNew_Empty(t *testing.T) {
	_, err := provider.New(config.AIConfig{Provider: ""})
	require.Error(t, err)
}
