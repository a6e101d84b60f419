package audit

import (
	"errors"

	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/internal/poller"
	"github.com/kiranshivaraju/geoaudit/internal/submit"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

var (
	ErrNotRetryable    = errors.New("audit cannot be retried")
	ErrAlreadyFinished = errors.New("audit already finished")
	ErrShuttingDown    = errors.New("audit service is shutting down")

	errCancelledByUser = errors.New("cancelled by user")
)

var retryableKinds = map[string]bool{
	models.ErrorKindTimeout:       true,
	models.ErrorKindTransient:     true,
	models.ErrorKindMaxAttempts:   true,
	models.ErrorKindRemoteFailure: true,
	models.ErrorKindCancelled:     true,
}

// ErrorKind classifies a submission or polling error into the kind recorded
// on the audit.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, submit.ErrValidation):
		return models.ErrorKindValidation
	case errors.Is(err, poller.ErrCancelled):
		return models.ErrorKindCancelled
	case errors.Is(err, poller.ErrTimeout):
		return models.ErrorKindTimeout
	case errors.Is(err, poller.ErrMaxAttempts):
		return models.ErrorKindMaxAttempts
	case errors.Is(err, poller.ErrJobFailed):
		return models.ErrorKindRemoteFailure
	case errors.Is(err, auditapi.ErrUnauthorized):
		return models.ErrorKindAuth
	case errors.Is(err, auditapi.ErrNotFound):
		return models.ErrorKindNotFound
	case errors.Is(err, auditapi.ErrTransient):
		return models.ErrorKindTransient
	case errors.Is(err, auditapi.ErrRemote):
		return models.ErrorKindRemote
	}
	return models.ErrorKindInternal
}

// Retryable reports whether an audit that ended with kind may be re-submitted.
func Retryable(kind string) bool {
	return retryableKinds[kind]
}
