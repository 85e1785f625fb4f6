package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an account whose mailbox feeds the pipeline. Every other entity belongs to a tenant.
type Tenant struct {
	ID        uuid.UUID   `db:"id"         json:"id"`
	Name      string      `db:"name"       json:"name"`
	Filters   FilterRules `db:"filters"    json:"filters"`
	DeletedAt *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// Active reports whether the tenant may still enqueue and run work.
func (t *Tenant) Active() bool {
	return t.DeletedAt == nil
}

// FilterRules decide which discovered messages become jobs.
type FilterRules struct {
	ExcludeSenders  []string `json:"exclude_senders,omitempty"`
	ExcludeDomains  []string `json:"exclude_domains,omitempty"`
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	MinBodyLength   int      `json:"min_body_length,omitempty"`
}
