// Package models contains shared data models used across the mailpilot codebase.
package models

import (
	"context"

	"github.com/google/uuid"
)

// Summarizer is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type Summarizer interface {
	// Summarize runs one job kind against one message and reports usage.
	Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResponse, error)
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string
}

// SummarizeRequest is the input to a summarizer call.
type SummarizeRequest struct {
	JobID    uuid.UUID
	TenantID uuid.UUID
	Kind     JobKind
	Message  EmailMessage
}

// SummarizeResponse is the output of a successful summarizer call.
type SummarizeResponse struct {
	Payload ResultPayload
	Usage   Usage
}
