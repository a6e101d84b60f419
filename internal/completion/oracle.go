// Package completion decides whether an observed remote job is done.
//
// The remote status field and the completion timestamps are written by
// independent writers and race each other, so status alone is never trusted.
// A job is complete when every signal is present, or when status claims
// terminal success and at least one signal has landed.
package completion

import "github.com/kiranshivaraju/geoaudit/pkg/models"

// IsComplete reports whether job should be treated as done. It performs no I/O.
func IsComplete(job *models.Job) bool {
	if job == nil {
		return false
	}
	present := job.Signals.PresentCount()
	if present == len(job.Signals.All()) {
		return true
	}
	return IsTerminalSuccess(job.Status) && present > 0
}

// IsTerminalSuccess reports whether the remote claims the job finished successfully.
func IsTerminalSuccess(s models.JobStatus) bool {
	return s == models.JobStatusScored || s == models.JobStatusCompleted
}

// IsFailure reports whether the remote reports the job as failed.
func IsFailure(s models.JobStatus) bool {
	return s == models.JobStatusFailed || s == models.JobStatusError
}

// IsInProgress reports whether s is a recognized non-terminal status.
func IsInProgress(s models.JobStatus) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusQueued, models.JobStatusFetched,
		models.JobStatusProcessing, models.JobStatusPartiallyScored:
		return true
	}
	return false
}

// IsKnown reports whether s is any status the pipeline is documented to emit.
func IsKnown(s models.JobStatus) bool {
	return IsInProgress(s) || IsTerminalSuccess(s) || IsFailure(s)
}
