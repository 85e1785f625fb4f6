package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/internal/scheduler"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Ticker runs one scheduling pass.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.TickReport, error)
}

// NewTickHandler returns the handler for POST /api/v1/admin/tick. It lets operators
// and tests drive the dispatcher without waiting for the poll interval.
func NewTickHandler(t Ticker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := t.Tick(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, report)
	}
}

// KeyManager issues and revokes API keys.
type KeyManager interface {
	IssueKey(ctx context.Context, tenantID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error)
	ListKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeKey(ctx context.Context, tenantID, keyID uuid.UUID) error
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	*models.APIKey
	// Key is the raw secret. It is returned only here.
	Key string `json:"key"`
}

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys.
func NewCreateKeyHandler(km KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		var req createKeyRequest
		if !decode(w, r, &req) {
			return
		}
		key, raw, err := km.IssueKey(r.Context(), tenantID, req.Name, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(km KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		keys, err := km.ListKeys(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(km KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		keyID, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		if err := km.RevokeKey(r.Context(), tenantID, keyID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
