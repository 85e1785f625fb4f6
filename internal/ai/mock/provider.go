package mock

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/mailpilot/internal/ai"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// MockProvider satisfies models.Summarizer for testing and for local runs without
// provider credentials.
type MockProvider struct {
	Name_         string
	SummarizeFunc func(ctx context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Summarize(ctx context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error) {
	m.calls.Add(1)
	if m.SummarizeFunc != nil {
		return m.SummarizeFunc(ctx, req)
	}
	return models.SummarizeResponse{}, nil
}

// Calls returns how many times Summarize was invoked.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}

// Response builds the canned response the default mock returns for req.
func Response(req models.SummarizeRequest) models.SummarizeResponse {
	payload := models.ResultPayload{Summary: "Mock summary: " + ai.Truncate(req.Message.Subject, 120)}
	switch req.Kind {
	case models.JobKindClassification:
		payload.Classification = "other"
	case models.JobKindActionExtraction:
		payload.ActionItems = []string{"Reply to sender"}
	default:
		payload.Keywords = []string{"mock"}
	}
	return models.SummarizeResponse{
		Payload: payload,
		Usage: models.Usage{
			Provider:     "mock",
			Model:        "mock-v1",
			InputTokens:  len(req.Message.Body) / 4,
			OutputTokens: 32,
			CostUSD:      decimal.Zero,
		},
	}
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		SummarizeFunc: func(_ context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error) {
			if !req.Kind.Valid() {
				return models.SummarizeResponse{}, ai.ErrInvalidInput
			}
			return Response(req), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SummarizeFunc: func(_ context.Context, _ models.SummarizeRequest) (models.SummarizeResponse, error) {
			return models.SummarizeResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		SummarizeFunc: func(ctx context.Context, _ models.SummarizeRequest) (models.SummarizeResponse, error) {
			<-ctx.Done()
			return models.SummarizeResponse{}, ai.ErrInferenceTimeout
		},
	}
}

// NewFlakyProvider fails the first n calls with err, then behaves like NewMockProvider.
func NewFlakyProvider(n int, err error) *MockProvider {
	ok := NewMockProvider()
	var remaining atomic.Int64
	remaining.Store(int64(n))
	return &MockProvider{
		Name_: "mock-flaky",
		SummarizeFunc: func(ctx context.Context, req models.SummarizeRequest) (models.SummarizeResponse, error) {
			if remaining.Add(-1) >= 0 {
				return models.SummarizeResponse{}, err
			}
			return ok.SummarizeFunc(ctx, req)
		},
	}
}

// Compile-time check that MockProvider implements Summarizer.
var _ models.Summarizer = (*MockProvider)(nil)
