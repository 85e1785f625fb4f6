package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

const (
	maxBodyBytes    = 12000
	maxSummaryBytes = 2000
	// fallbackSummaryBytes caps a plain-text answer used when the model ignores the JSON format.
	fallbackSummaryBytes = 500
)

const systemPrompt = `You process a single email for a busy reader. Answer with one JSON object and nothing else.`

var kindInstructions = map[models.JobKind]string{
	models.JobKindSummary: `Summarize the email in at most 80 words.
Respond as {"summary": "...", "keywords": ["..."], "action_items": ["..."]}.`,
	models.JobKindClassification: `Classify the email as one of work, personal, promotional, notification, other.
Respond as {"classification": "...", "summary": "one sentence explaining the choice"}.`,
	models.JobKindActionExtraction: `List the concrete actions the recipient is asked to take, if any.
Respond as {"action_items": ["..."], "summary": "one sentence"}.`,
}

var validClassifications = map[string]bool{
	"work": true, "personal": true, "promotional": true, "notification": true, "other": true,
}

// BuildPrompt returns the system and user prompts for one job kind.
func BuildPrompt(kind models.JobKind, msg models.EmailMessage) (string, string, error) {
	instructions, ok := kindInstructions[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported job kind %q", ErrInvalidInput, kind)
	}
	if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.Subject) == "" {
		return "", "", fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	if !msg.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.ReceivedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")
	b.WriteString(Truncate(msg.Body, maxBodyBytes))
	b.WriteString("\n\n")
	b.WriteString(instructions)
	return systemPrompt, b.String(), nil
}

type rawPayload struct {
	Summary        string   `json:"summary"`
	Keywords       []string `json:"keywords"`
	KeyPoints      []string `json:"key_points"`
	ActionItems    []string `json:"action_items"`
	Classification string   `json:"classification"`
	Category       string   `json:"category"`
}

// ParsePayload turns model text into a result payload. Summaries tolerate a plain-text
// answer; classification must name a known category.
func ParsePayload(kind models.JobKind, text string) (models.ResultPayload, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ResultPayload{}, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}

	var raw rawPayload
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		if kind == models.JobKindSummary && !strings.HasPrefix(text, "{") {
			return models.ResultPayload{Summary: Truncate(text, fallbackSummaryBytes)}, nil
		}
		return models.ResultPayload{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	p := models.ResultPayload{
		Summary:     Truncate(raw.Summary, maxSummaryBytes),
		Keywords:    raw.Keywords,
		ActionItems: raw.ActionItems,
	}
	if len(p.Keywords) == 0 {
		p.Keywords = raw.KeyPoints
	}

	switch kind {
	case models.JobKindSummary:
		if p.Summary == "" {
			return models.ResultPayload{}, fmt.Errorf("%w: missing summary", ErrInvalidResponse)
		}
	case models.JobKindClassification:
		class := strings.ToLower(strings.TrimSpace(raw.Classification))
		if class == "" {
			class = strings.ToLower(strings.TrimSpace(raw.Category))
		}
		if !validClassifications[class] {
			return models.ResultPayload{}, fmt.Errorf("%w: unknown classification %q", ErrInvalidResponse, class)
		}
		p.Classification = class
	case models.JobKindActionExtraction:
		if p.ActionItems == nil {
			p.ActionItems = []string{}
		}
	}
	return p, nil
}

// Truncate truncates s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
