package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/mailpilot/internal/api/middleware"
	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Operator  *mw.Operator

	Health http.HandlerFunc

	Enqueue  http.HandlerFunc
	ListJobs http.HandlerFunc
	GetJob   http.HandlerFunc
	JobState http.HandlerFunc
	Cancel   http.HandlerFunc
	Delivery http.HandlerFunc
	Stats    http.HandlerFunc

	Balance            http.HandlerFunc
	Transactions       http.HandlerFunc
	TransactionSummary http.HandlerFunc

	Tick      http.HandlerFunc
	Credits   http.HandlerFunc
	Reconcile http.HandlerFunc
	CreateKey http.HandlerFunc
	ListKeys  http.HandlerFunc
	RevokeKey http.HandlerFunc

	// Operator routes act on the tenant named in the path.
	OperatorCredits   http.HandlerFunc
	OperatorRefund    http.HandlerFunc
	OperatorReconcile http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.Health))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/api/v1/jobs/{jobID}/state", orNotImplemented(deps.JobState))
			r.Get("/api/v1/stats", orNotImplemented(deps.Stats))
			r.Get("/api/v1/balance", orNotImplemented(deps.Balance))
			r.Get("/api/v1/transactions", orNotImplemented(deps.Transactions))
			r.Get("/api/v1/transactions/summary", orNotImplemented(deps.TransactionSummary))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))
			r.Post("/api/v1/discoveries", orNotImplemented(deps.Enqueue))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.Cancel))
			r.Post("/api/v1/jobs/{jobID}/delivery", orNotImplemented(deps.Delivery))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))
			r.Post("/api/v1/admin/tick", orNotImplemented(deps.Tick))
			r.Post("/api/v1/admin/credits", orNotImplemented(deps.Credits))
			r.Get("/api/v1/admin/reconcile", orNotImplemented(deps.Reconcile))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKey))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeys))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKey))
		})
	})

	if deps.Operator != nil {
		r.Group(func(r chi.Router) {
			r.Use(deps.Operator.Authenticate)
			r.Post("/api/v1/operator/tenants/{tenantID}/credits", orNotImplemented(deps.OperatorCredits))
			r.Post("/api/v1/operator/tenants/{tenantID}/refunds", orNotImplemented(deps.OperatorRefund))
			r.Get("/api/v1/operator/tenants/{tenantID}/reconcile", orNotImplemented(deps.OperatorReconcile))
		})
	}

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
