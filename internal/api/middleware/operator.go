package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
)

// Operator authenticates the deployment's operator credential. Operator requests are
// not bound to a tenant; the routes behind it name the tenant they act on.
type Operator struct {
	hash []byte
}

// NewOperator takes the bcrypt hash of the operator key. An empty hash rejects every
// request.
func NewOperator(keyHash string) *Operator {
	return &Operator{hash: []byte(keyHash)}
}

func (o *Operator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(o.hash) == 0 {
			response.Error(w, response.CodeForbidden, "Operator access is not configured", nil)
			return
		}
		rawKey := extractBearerToken(r)
		if rawKey == "" || bcrypt.CompareHashAndPassword(o.hash, []byte(rawKey)) != nil {
			response.Error(w, response.CodeInvalidToken, "Invalid operator key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
