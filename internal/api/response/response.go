// Package response writes the API's JSON envelopes: {data}, {data, meta} for pages
// of jobs or ledger entries, and {error: {code, message, details}}.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Code is a stable error code. Clients branch on it; each code maps to one status.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeForbidden           Code = "FORBIDDEN"
	CodeTenantInactive      Code = "TENANT_INACTIVE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRefundExceedsCharge Code = "REFUND_EXCEEDS_CHARGE"
	CodeRateLimited         Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeNotImplemented      Code = "NOT_IMPLEMENTED"
	CodeUnavailable         Code = "UNAVAILABLE"
)

var codeStatus = map[Code]int{
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeInvalidToken:        http.StatusUnauthorized,
	CodeInsufficientBalance: http.StatusPaymentRequired,
	CodeForbidden:           http.StatusForbidden,
	CodeTenantInactive:      http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeConflict:            http.StatusConflict,
	CodeRefundExceedsCharge: http.StatusConflict,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeInternal:            http.StatusInternalServerError,
	CodeNotImplemented:      http.StatusNotImplemented,
	CodeUnavailable:         http.StatusServiceUnavailable,
}

// Status is the HTTP status sent with c. Unknown codes are server errors.
func (c Code) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// Page describes one page of a listing. returned is the number of items on it.
func Page(page, limit, total, returned int) PaginationMeta {
	return PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: (page-1)*limit+returned < total,
	}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// Accepted answers a request whose effect completes later, such as cancelling a
// running job.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, code Code, message string, details any) {
	writeJSON(w, code.Status(), errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response body", "status", status, "error", err)
	}
}
