package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
)

// Pinger is anything the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler reports the status of each dependency. The database is required;
// Redis only degrades the service.
func NewHealthHandler(db Pinger, redis Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := "ok"
		if err := db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = "unavailable"
		}
		if redis == nil {
			checks["redis"] = "disabled"
		} else if err := redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			if status == "ok" {
				status = "degraded"
			}
		}

		body := map[string]any{"status": status, "checks": checks}
		if status == "unavailable" {
			response.Error(w, response.CodeUnavailable, "Database unreachable", body)
			return
		}
		response.JSON(w, body)
	}
}
