package anthropic

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

const (
	apiVersion = "2023-06-01"
	maxTokens  = 1024
)

// Provider implements models.Summarizer using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

// NewProvider creates a Provider. The per-call deadline comes from the caller's context;
// timeout only bounds the transport.
func NewProvider(cfg config.AnthropicConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Summarize(ctx context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error) {
	system, user, err := ai.BuildPrompt(req.Kind, req.Message)
	if err != nil {
		return models.SummarizeResponse{}, err
	}

	var resp messagesResponse
	err = ai.PostJSON(ctx, p.client, strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages",
		map[string]string{
			"x-api-key":         p.cfg.APIKey,
			"anthropic-version": apiVersion,
		},
		messagesRequest{
			Model:       p.cfg.Model,
			MaxTokens:   maxTokens,
			System:      system,
			Messages:    []message{{Role: "user", Content: user}},
			Temperature: 0.3,
		}, &resp)
	if err != nil {
		return models.SummarizeResponse{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	payload, err := ai.ParsePayload(req.Kind, text.String())
	if err != nil {
		return models.SummarizeResponse{}, fmt.Errorf("anthropic: %w", err)
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
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      ai.Cost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		},
	}, nil
}

var _ models.Summarizer = (*Provider)(nil)
