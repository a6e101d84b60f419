package auditapi

import "errors"

// Sentinel errors for the remote analysis API. Callers match with errors.Is.
var (
	// ErrUnauthorized covers 401/403 and token acquisition failures. Never retried.
	ErrUnauthorized = errors.New("analysis api: unauthorized")
	// ErrNotFound means the job expired or was deleted. Never retried.
	ErrNotFound = errors.New("analysis api: job not found")
	// ErrTransient covers 5xx, 408, 429 and network failures.
	ErrTransient = errors.New("analysis api: transient failure")
	// ErrRemote means the API answered with something we cannot use.
	ErrRemote = errors.New("analysis api: unexpected response")
)
