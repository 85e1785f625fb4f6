package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(tenantID, jobID uuid.UUID) string {
	return fmt.Sprintf("mailpilot:job:%s:%s", tenantID, jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("mailpilot:ratelimit:%s", keyPrefix)
}

