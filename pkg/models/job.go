// Package models contains shared data models used across the geoaudit codebase.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus is the status string reported by the remote analysis pipeline.
// It is a hint only; completion is decided from the completion signals.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusQueued          JobStatus = "queued"
	JobStatusFetched         JobStatus = "fetched"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusPartiallyScored JobStatus = "partially_scored"
	JobStatusScored          JobStatus = "scored"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusError           JobStatus = "error"
)

// ParseJobStatus normalizes case, surrounding whitespace and hyphens.
// Unknown values are returned normalized but otherwise unchanged.
func ParseJobStatus(s string) JobStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return JobStatus(s)
}

// Signal is an independently written completion timestamp. Present is false
// when the field was missing, null or empty.
type Signal struct {
	Present bool
	At      time.Time
}

// SignalAt returns a present signal for t.
func SignalAt(t time.Time) Signal {
	return Signal{Present: true, At: t}
}

// CompletionSignals are the per-subpipeline finish times of a job.
type CompletionSignals struct {
	ContentAnalyzedAt Signal
	ScoredAt          Signal
	GEOAnalyzedAt     Signal
}

// All returns every required signal.
func (s CompletionSignals) All() []Signal {
	return []Signal{s.ContentAnalyzedAt, s.ScoredAt, s.GEOAnalyzedAt}
}

// PresentCount returns how many signals are populated.
func (s CompletionSignals) PresentCount() int {
	n := 0
	for _, sig := range s.All() {
		if sig.Present {
			n++
		}
	}
	return n
}

// Job is one observation of a remote analysis job. Jobs are only produced by
// normalizing a remote response; the client never mutates Status.
type Job struct {
	ID           string            `json:"job_id"`
	Status       JobStatus         `json:"status"`
	Signals      CompletionSignals `json:"-"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Raw          json.RawMessage   `json:"-"`
	FetchedAt    time.Time         `json:"fetched_at"`
}
