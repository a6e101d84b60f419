package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/geoaudit/internal/api/middleware"
	"github.com/kiranshivaraju/geoaudit/internal/api/response"
	"github.com/kiranshivaraju/geoaudit/internal/audit"
	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/internal/store"
	"github.com/kiranshivaraju/geoaudit/internal/submit"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// AuditService defines the interface the audit handlers depend on.
type AuditService interface {
	Start(ctx context.Context, tenantID uuid.UUID, in models.AuditInput) (*models.Audit, error)
	Get(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error)
	List(ctx context.Context, filter store.AuditFilter) ([]*models.Audit, int, error)
	Result(ctx context.Context, tenantID, auditID uuid.UUID) (*models.AnalysisResult, error)
	Cancel(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error)
	Retry(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error)
}

type createAuditRequest struct {
	URL            string   `json:"url"`
	PrimaryKeyword string   `json:"primary_keyword"`
	TargetMarket   string   `json:"target_market"`
	Competitors    []string `json:"competitors"`
}

// NewCreateAuditHandler returns an http.HandlerFunc for POST /api/v1/audits.
func NewCreateAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req createAuditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		a, err := svc.Start(r.Context(), tenantID, models.AuditInput{
			URL:            req.URL,
			PrimaryKeyword: req.PrimaryKeyword,
			TargetMarket:   req.TargetMarket,
			Competitors:    req.Competitors,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, a)
	}
}

// NewListAuditsHandler returns an http.HandlerFunc for GET /api/v1/audits.
func NewListAuditsHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		page, err := positiveParam(q.Get("page"), 1)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := positiveParam(q.Get("limit"), defaultPageLimit)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(limit, maxPageLimit)

		status := q.Get("status")
		if status != "" && !validStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status is not a known audit status",
				map[string]string{"status": status})
			return
		}

		audits, total, err := svc.List(r.Context(), store.AuditFilter{
			TenantID: tenantID,
			Status:   status,
			URL:      q.Get("url"),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Collection(w, audits, response.NewPaginationMeta(page, limit, total))
	}
}

// NewGetAuditHandler returns an http.HandlerFunc for GET /api/v1/audits/{auditID}.
func NewGetAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, auditID, ok := auditParams(w, r)
		if !ok {
			return
		}
		a, err := svc.Get(r.Context(), tenantID, auditID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewAuditResultHandler returns an http.HandlerFunc for
// GET /api/v1/audits/{auditID}/result.
func NewAuditResultHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, auditID, ok := auditParams(w, r)
		if !ok {
			return
		}

		a, err := svc.Get(r.Context(), tenantID, auditID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if a.Status != models.AuditStatusCompleted {
			response.Error(w, http.StatusConflict, "RESULT_NOT_READY", "Audit has not completed",
				map[string]any{"status": a.Status, "progress": a.Progress})
			return
		}

		result, err := svc.Result(r.Context(), tenantID, auditID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewCancelAuditHandler returns an http.HandlerFunc for
// DELETE /api/v1/audits/{auditID}.
func NewCancelAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, auditID, ok := auditParams(w, r)
		if !ok {
			return
		}
		a, err := svc.Cancel(r.Context(), tenantID, auditID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewRetryAuditHandler returns an http.HandlerFunc for
// POST /api/v1/audits/{auditID}/retry.
func NewRetryAuditHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, auditID, ok := auditParams(w, r)
		if !ok {
			return
		}
		a, err := svc.Retry(r.Context(), tenantID, auditID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, a)
	}
}

func auditParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}
	auditID, err := uuid.Parse(chi.URLParam(r, "auditID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "auditID must be a valid UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, auditID, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *submit.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Audit not found", nil)
	case errors.Is(err, audit.ErrAlreadyFinished):
		response.Error(w, http.StatusConflict, "ALREADY_FINISHED", "Audit has already finished", nil)
	case errors.Is(err, audit.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, audit.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"Service is shutting down, try again shortly", nil)
	case errors.Is(err, auditapi.ErrUnauthorized):
		response.Error(w, http.StatusBadGateway, "ANALYSIS_API_UNAUTHORIZED",
			"The analysis API rejected our credentials", nil)
	case errors.Is(err, auditapi.ErrTransient):
		response.Error(w, http.StatusServiceUnavailable, "ANALYSIS_API_UNAVAILABLE",
			"The analysis API is temporarily unavailable", nil)
	case errors.Is(err, auditapi.ErrRemote):
		response.Error(w, http.StatusBadGateway, "ANALYSIS_API_ERROR",
			"The analysis API returned an unexpected response", nil)
	default:
		slog.Error("audit request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func validStatus(s string) bool {
	switch s {
	case models.AuditStatusSubmitted, models.AuditStatusRunning, models.AuditStatusCompleted,
		models.AuditStatusFailed, models.AuditStatusCancelled:
		return true
	}
	return false
}
