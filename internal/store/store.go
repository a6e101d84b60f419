package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid audit status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateAudit(ctx context.Context, audit *models.Audit) error
	GetAudit(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Audit, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]*models.Audit, int, error)
	ListUnfinishedAudits(ctx context.Context) ([]*models.Audit, error)
	UpdateAuditProgress(ctx context.Context, id uuid.UUID, progress int, remoteStatus string) error
	UpdateAuditStatus(ctx context.Context, id uuid.UUID, status string, opts ...AuditUpdateOption) error

	SaveAuditResult(ctx context.Context, auditID uuid.UUID, result *models.AnalysisResult) error
	GetAuditResult(ctx context.Context, auditID uuid.UUID, tenantID uuid.UUID) (*models.AnalysisResult, error)
}

// AuditFilter narrows ListAudits. Zero values mean no filter; Page is 1-based.
type AuditFilter struct {
	TenantID uuid.UUID
	Status   string
	URL      string
	Page     int
	Limit    int
}

// AuditUpdate is the set of optional columns written with a status change.
type AuditUpdate struct {
	ErrorKind    *string
	ErrorMessage *string
}

type AuditUpdateOption func(*AuditUpdate)

// WithError records why an audit failed or was cancelled.
func WithError(kind, msg string) AuditUpdateOption {
	return func(p *AuditUpdate) {
		p.ErrorKind = &kind
		p.ErrorMessage = &msg
	}
}

// ResolveAuditUpdate applies opts to an empty AuditUpdate.
func ResolveAuditUpdate(opts ...AuditUpdateOption) AuditUpdate {
	var u AuditUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

var validTransitions = map[string][]string{
	models.AuditStatusSubmitted: {models.AuditStatusRunning, models.AuditStatusFailed, models.AuditStatusCancelled},
	models.AuditStatusRunning:   {models.AuditStatusCompleted, models.AuditStatusFailed, models.AuditStatusCancelled},
}

// allowedFrom returns the statuses an audit may move to status from.
func allowedFrom(status string) []string {
	var from []string
	for src, targets := range validTransitions {
		for _, t := range targets {
			if t == status {
				from = append(from, src)
			}
		}
	}
	return from
}
