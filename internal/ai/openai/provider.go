package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/mailpilot/internal/ai"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Provider implements models.Summarizer against an OpenAI-compatible chat completions
// endpoint. Pointing BaseURL at a vLLM or other compatible server works unchanged.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Summarize(ctx context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error) {
	system, user, err := ai.BuildPrompt(req.Kind, req.Message)
	if err != nil {
		return models.SummarizeResponse{}, err
	}

	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}

	var resp chatResponse
	err = ai.PostJSON(ctx, p.client, strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", headers,
		chatRequest{
			Model: p.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature:    0.3,
			ResponseFormat: &responseFormat{Type: "json_object"},
		}, &resp)
	if err != nil {
		return models.SummarizeResponse{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.SummarizeResponse{}, fmt.Errorf("openai: %w: no choices", ai.ErrInvalidResponse)
	}

	payload, err := ai.ParsePayload(req.Kind, resp.Choices[0].Message.Content)
	if err != nil {
		return models.SummarizeResponse{}, fmt.Errorf("openai: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	return models.SummarizeResponse{
		Payload: payload,
		Usage: models.Usage{
			Provider:     p.Name(),
			Model:        model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CostUSD:      ai.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		},
	}, nil
}

var _ models.Summarizer = (*Provider)(nil)
