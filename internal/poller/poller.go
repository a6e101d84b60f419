// Package poller drives one polling session against a remote analysis job
// until the job completes, fails, runs out of budget or is cancelled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/internal/completion"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

var (
	ErrTimeout     = errors.New("analysis did not finish before the deadline")
	ErrMaxAttempts = errors.New("analysis did not finish within the allowed number of polls")
	ErrJobFailed   = errors.New("analysis job failed")
	ErrCancelled   = errors.New("analysis polling cancelled")
)

// JobFailedError is returned when the remote reports a failure status.
type JobFailedError struct {
	JobID   string
	Status  models.JobStatus
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (job %s, status %s)", ErrJobFailed, e.JobID, e.Status)
	}
	return fmt.Sprintf("%s: %s", ErrJobFailed, e.Message)
}

func (e *JobFailedError) Unwrap() error { return ErrJobFailed }

// JobSource is the part of the analysis API the poller needs.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// UpdateFunc observes every successfully fetched job, in order. progress never
// decreases within a session.
type UpdateFunc func(job *models.Job, progress int)

// Options control one polling session.
type Options struct {
	MaxAttempts   int
	Interval      time.Duration
	Timeout       time.Duration
	CancelRemote  bool
	CancelTimeout time.Duration
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   60,
		Interval:      5 * time.Second,
		Timeout:       10 * time.Minute,
		CancelRemote:  true,
		CancelTimeout: 5 * time.Second,
	}
}

// Option overrides a single session setting.
type Option func(*Options)

func WithMaxAttempts(n int) Option         { return func(o *Options) { o.MaxAttempts = n } }
func WithInterval(d time.Duration) Option  { return func(o *Options) { o.Interval = d } }
func WithTimeout(d time.Duration) Option   { return func(o *Options) { o.Timeout = d } }
func WithCancelRemote(enabled bool) Option { return func(o *Options) { o.CancelRemote = enabled } }

// Poller runs polling sessions. It holds no per-session state and is safe for
// concurrent use.
type Poller struct {
	source   JobSource
	defaults Options
}

// New creates a Poller whose sessions start from defaults.
func New(source JobSource, defaults Options) *Poller {
	return &Poller{source: source, defaults: defaults}
}

// PollUntilComplete polls jobID until the completion oracle is satisfied.
//
// Ticks are strictly sequential: a tick's fetch and onUpdate finish before the
// next tick is scheduled. Cancelling ctx stops the session at the next tick
// boundary; a fetch already in flight completes and its result is discarded.
// The wall-clock timeout takes precedence over MaxAttempts.
func (p *Poller) PollUntilComplete(ctx context.Context, jobID string, onUpdate UpdateFunc, opts ...Option) (*models.Job, error) {
	o := p.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultOptions().Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions().Timeout
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = DefaultOptions().CancelTimeout
	}

	start := time.Now()
	deadline := start.Add(o.Timeout)
	fetchCtx := context.WithoutCancel(ctx)
	log := slog.With("job_id", jobID)

	var (
		maxProgress int
		lastErr     error
	)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, p.cancelled(ctx, jobID, o)
		}

		job, err := p.source.GetJob(fetchCtx, jobID)
		if ctx.Err() != nil {
			return nil, p.cancelled(ctx, jobID, o)
		}

		switch {
		case err != nil:
			if errors.Is(err, auditapi.ErrUnauthorized) || errors.Is(err, auditapi.ErrNotFound) {
				return nil, err
			}
			lastErr = err
			log.Warn("poll tick failed", "attempt", attempt, "error", err)

		default:
			progress := completion.Progress(job)
			if progress > maxProgress {
				maxProgress = progress
			}
			if onUpdate != nil {
				onUpdate(job, maxProgress)
			}

			if completion.IsComplete(job) {
				log.Info("analysis complete", "attempts", attempt, "elapsed", time.Since(start))
				return job, nil
			}
			if completion.IsFailure(job.Status) {
				return nil, &JobFailedError{JobID: jobID, Status: job.Status, Message: job.ErrorMessage}
			}
			if !completion.IsKnown(job.Status) {
				log.Warn("unrecognized job status, continuing to poll", "status", job.Status)
			}
			lastErr = nil
		}

		if !time.Now().Before(deadline) {
			return nil, budgetError(ErrTimeout, lastErr, attempt, time.Since(start))
		}
		if attempt >= o.MaxAttempts {
			return nil, budgetError(ErrMaxAttempts, lastErr, attempt, time.Since(start))
		}

		wait := o.Interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, p.cancelled(ctx, jobID, o)
		case <-timer.C:
		}

		if !time.Now().Before(deadline) {
			return nil, budgetError(ErrTimeout, lastErr, attempt, time.Since(start))
		}
	}
}

func budgetError(kind, lastErr error, attempts int, elapsed time.Duration) error {
	if lastErr != nil {
		return fmt.Errorf("%w after %d polls in %s (last error: %v)", kind, attempts, elapsed.Round(time.Millisecond), lastErr)
	}
	return fmt.Errorf("%w after %d polls in %s", kind, attempts, elapsed.Round(time.Millisecond))
}

// cancelled stops the session and, when enabled, tells the backend. The
// backend may keep working; a failed cancel is only logged.
func (p *Poller) cancelled(ctx context.Context, jobID string, o Options) error {
	if o.CancelRemote {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.CancelTimeout)
		defer cancel()
		if err := p.source.CancelJob(cancelCtx, jobID); err != nil {
			slog.Warn("remote cancel failed", "job_id", jobID, "error", err)
		}
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
