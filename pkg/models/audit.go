package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditStatusSubmitted = "submitted"
	AuditStatusRunning   = "running"
	AuditStatusCompleted = "completed"
	AuditStatusFailed    = "failed"
	AuditStatusCancelled = "cancelled"
)

// Error kinds recorded on failed or cancelled audits.
const (
	ErrorKindValidation    = "validation"
	ErrorKindAuth          = "auth"
	ErrorKindNotFound      = "not_found"
	ErrorKindRemote        = "remote"
	ErrorKindTransient     = "transient"
	ErrorKindTimeout       = "timeout"
	ErrorKindMaxAttempts   = "max_attempts"
	ErrorKindRemoteFailure = "remote_failure"
	ErrorKindCancelled     = "cancelled"
	ErrorKindInternal      = "internal"
)

// AuditInput is the user-supplied request for one analysis.
type AuditInput struct {
	URL            string   `json:"url"`
	PrimaryKeyword string   `json:"primary_keyword,omitempty"`
	TargetMarket   string   `json:"target_market,omitempty"`
	Competitors    []string `json:"competitors,omitempty"`
}

// Audit tracks one polling session against the remote pipeline. The client
// creates it with a remote job id and polls until the session is terminal.
type Audit struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"     json:"tenant_id"`
	Input        AuditInput `db:"-"             json:"input"`
	RemoteJobID  string     `db:"remote_job_id" json:"remote_job_id"`
	Status       string     `db:"status"        json:"status"`
	RemoteStatus string     `db:"remote_status" json:"remote_status"`
	Progress     int        `db:"progress"      json:"progress"`
	ErrorKind    *string    `db:"error_kind"    json:"error_kind,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	RetryOf      *uuid.UUID `db:"retry_of"      json:"retry_of,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the audit no longer has a running session.
func (a *Audit) Terminal() bool {
	switch a.Status {
	case AuditStatusCompleted, AuditStatusFailed, AuditStatusCancelled:
		return true
	}
	return false
}
