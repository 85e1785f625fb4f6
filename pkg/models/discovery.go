package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DiscoveryStatusDiscovered  = "discovered"
	DiscoveryStatusFilteredOut = "filtered_out"
	DiscoveryStatusQueued      = "queued"
)

// Discovery records that a source message was seen and evaluated for processing.
// One row per (tenant, external message id); rows are never deleted.
type Discovery struct {
	ID                uuid.UUID    `db:"id"                  json:"id"`
	TenantID          uuid.UUID    `db:"tenant_id"           json:"tenant_id"`
	ExternalMessageID string       `db:"external_message_id" json:"external_message_id"`
	Status            string       `db:"status"              json:"status"`
	FilterResult      FilterResult `db:"filter_result"       json:"filter_result"`
	Message           EmailMessage `db:"message"             json:"message"`
	DiscoveryCount    int          `db:"discovery_count"     json:"discovery_count"`
	DiscoveredAt      time.Time    `db:"discovered_at"       json:"discovered_at"`
	CreatedAt         time.Time    `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"          json:"updated_at"`
}

// EmailMessage is the envelope handed over by the discovery source.
type EmailMessage struct {
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// FilterResult is the structured outcome of evaluating tenant filter rules.
type FilterResult struct {
	ShouldProcess bool     `json:"should_process"`
	Reason        string   `json:"reason,omitempty"`
	MatchedRules  []string `json:"matched_rules,omitempty"`
}
