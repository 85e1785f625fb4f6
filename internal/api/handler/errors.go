package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/internal/account"
	mw "github.com/kiranshivaraju/mailpilot/internal/api/middleware"
	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/internal/ledger"
	"github.com/kiranshivaraju/mailpilot/internal/pipeline"
	"github.com/kiranshivaraju/mailpilot/internal/store"
)

// writeError maps domain errors to stable API error codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidMessageID),
		errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, ledger.ErrUnknownPackage),
		errors.Is(err, ledger.ErrMissingPayment),
		errors.Is(err, store.ErrInvalidAmount):
		response.Error(w, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, store.ErrTenantInactive):
		response.Error(w, response.CodeTenantInactive, "Tenant has been deleted", nil)
	case errors.Is(err, store.ErrInsufficientBalance):
		response.Error(w, response.CodeInsufficientBalance, "Insufficient credit balance", nil)
	case errors.Is(err, store.ErrRefundExceedsCharge):
		response.Error(w, response.CodeRefundExceedsCharge, "Refund exceeds the credits charged", nil)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, store.ErrDuplicateCharge):
		response.Error(w, response.CodeConflict, err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, response.CodeInternal, "An unexpected error occurred", nil)
	}
}

func tenantFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, response.CodeInvalidToken, "Missing tenant", nil)
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, response.CodeInvalidRequest, param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		response.Error(w, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return false
	}
	return true
}

// pageParams reads page and limit, applying the endpoint's default and ceiling.
func pageParams(r *http.Request, def, max int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	return page, min(limit, max)
}
