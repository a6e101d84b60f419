package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/geoaudit/internal/api/middleware"
	"github.com/kiranshivaraju/geoaudit/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateAudit http.HandlerFunc
	ListAudits  http.HandlerFunc
	GetAudit    http.HandlerFunc
	AuditResult http.HandlerFunc
	CancelAudit http.HandlerFunc
	RetryAudit  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAuditsRead))

			r.Get("/api/v1/audits", orNotImplemented(deps.ListAudits))
			r.Get("/api/v1/audits/{auditID}", orNotImplemented(deps.GetAudit))
			r.Get("/api/v1/audits/{auditID}/result", orNotImplemented(deps.AuditResult))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAuditsWrite))

			r.Post("/api/v1/audits", orNotImplemented(deps.CreateAudit))
			r.Delete("/api/v1/audits/{auditID}", orNotImplemented(deps.CancelAudit))
			r.Post("/api/v1/audits/{auditID}/retry", orNotImplemented(deps.RetryAudit))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
