// Package audit runs one background polling session per audit and records
// its outcome.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/geoaudit/internal/adapter"
	"github.com/kiranshivaraju/geoaudit/internal/cache"
	"github.com/kiranshivaraju/geoaudit/internal/completion"
	"github.com/kiranshivaraju/geoaudit/internal/events"
	"github.com/kiranshivaraju/geoaudit/internal/poller"
	"github.com/kiranshivaraju/geoaudit/internal/store"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

const (
	liveStatusTTL = 30 * time.Minute
	remoteTimeout = 10 * time.Second
)

// Submitter validates input and creates the remote job.
type Submitter interface {
	Normalize(in models.AuditInput) (models.AuditInput, error)
	Submit(ctx context.Context, in models.AuditInput) (*models.Job, error)
}

// Poller runs one polling session.
type Poller interface {
	PollUntilComplete(ctx context.Context, jobID string, onUpdate poller.UpdateFunc, opts ...poller.Option) (*models.Job, error)
}

// RemoteJobs is the part of the analysis API used outside polling.
type RemoteJobs interface {
	CancelJob(ctx context.Context, jobID string) error
	ForgetJob(ctx context.Context, jobID string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Submitter Submitter
	Poller    Poller
	Remote    RemoteJobs
	Store     store.Store
	Cache     cache.Cache
	Publisher events.Publisher
}

// Service owns audit sessions. It is safe for concurrent use.
type Service struct {
	submitter Submitter
	poller    Poller
	remote    RemoteJobs
	store     store.Store
	cache     cache.Cache
	publisher events.Publisher

	baseCtx context.Context
	stopAll context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closed   bool
	wg       sync.WaitGroup
}

type session struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// liveStatus is the per-tick view of a running audit kept in the cache.
type liveStatus struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	RemoteStatus string `json:"remote_status"`
}

// NewService creates a Service. A nil Publisher drops events.
func NewService(d Deps) *Service {
	pub := d.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Service{
		submitter: d.Submitter,
		poller:    d.Poller,
		remote:    d.Remote,
		store:     d.Store,
		cache:     d.Cache,
		publisher: pub,
		baseCtx:   ctx,
		stopAll:   cancel,
		sessions:  make(map[uuid.UUID]*session),
	}
}

// Start validates and submits in, records the audit and starts polling in the
// background. It returns as soon as the remote job exists.
func (s *Service) Start(ctx context.Context, tenantID uuid.UUID, in models.AuditInput) (*models.Audit, error) {
	return s.start(ctx, tenantID, in, nil)
}

func (s *Service) start(ctx context.Context, tenantID uuid.UUID, in models.AuditInput, retryOf *uuid.UUID) (*models.Audit, error) {
	if s.isClosed() {
		return nil, ErrShuttingDown
	}

	clean, err := s.submitter.Normalize(in)
	if err != nil {
		return nil, err
	}

	job, err := s.submitter.Submit(ctx, clean)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &models.Audit{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Input:        clean,
		RemoteJobID:  job.ID,
		Status:       models.AuditStatusSubmitted,
		RemoteStatus: string(job.Status),
		Progress:     completion.Progress(job),
		RetryOf:      retryOf,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAudit(ctx, a); err != nil {
		s.cancelRemote(a.RemoteJobID)
		return nil, fmt.Errorf("creating audit: %w", err)
	}
	s.setLive(ctx, a.ID, liveStatus{Status: a.Status, Progress: a.Progress, RemoteStatus: a.RemoteStatus})

	if !s.launch(a) {
		return nil, ErrShuttingDown
	}

	slog.Info("audit started", "audit_id", a.ID, "job_id", a.RemoteJobID, "url", a.Input.URL)
	return a, nil
}

// Resume restarts sessions for audits left unfinished by a previous process.
func (s *Service) Resume(ctx context.Context) (int, error) {
	audits, err := s.store.ListUnfinishedAudits(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished audits: %w", err)
	}
	n := 0
	for _, a := range audits {
		if s.launch(a) {
			n++
		}
	}
	return n, nil
}

// Cancel stops the audit's session and asks the backend to stop the job.
func (s *Service) Cancel(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	a, err := s.store.GetAudit(ctx, auditID, tenantID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, ErrAlreadyFinished
	}

	s.mu.Lock()
	sess := s.sessions[auditID]
	s.mu.Unlock()

	if sess != nil {
		sess.cancel(errCancelledByUser)
		select {
		case <-sess.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		// No session in this process; record the cancellation directly.
		err := s.store.UpdateAuditStatus(ctx, a.ID, models.AuditStatusCancelled,
			store.WithError(models.ErrorKindCancelled, errCancelledByUser.Error()))
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("cancelling audit: %w", err)
		}
		if err == nil {
			s.setLive(ctx, a.ID, liveStatus{Status: models.AuditStatusCancelled, Progress: a.Progress, RemoteStatus: a.RemoteStatus})
			s.publish(a, events.TypeAuditCancelled, models.ErrorKindCancelled, errCancelledByUser.Error(), nil)
		}
	}
	s.cancelRemote(a.RemoteJobID)

	return s.store.GetAudit(ctx, auditID, tenantID)
}

// Retry re-submits the input of a failed or cancelled audit as a new audit.
func (s *Service) Retry(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	prev, err := s.store.GetAudit(ctx, auditID, tenantID)
	if err != nil {
		return nil, err
	}
	if !prev.Terminal() || prev.Status == models.AuditStatusCompleted {
		return nil, fmt.Errorf("%w: audit is %s", ErrNotRetryable, prev.Status)
	}
	if prev.ErrorKind == nil || !Retryable(*prev.ErrorKind) {
		kind := ""
		if prev.ErrorKind != nil {
			kind = *prev.ErrorKind
		}
		return nil, fmt.Errorf("%w: error kind %q is not retryable", ErrNotRetryable, kind)
	}

	if s.remote != nil {
		if err := s.remote.ForgetJob(ctx, prev.RemoteJobID); err != nil {
			slog.Warn("dropping cached job snapshot", "job_id", prev.RemoteJobID, "error", err)
		}
	}
	return s.start(ctx, tenantID, prev.Input, &prev.ID)
}

// Get returns the audit, with the live progress of a running session when it
// is ahead of the stored record.
func (s *Service) Get(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	a, err := s.store.GetAudit(ctx, auditID, tenantID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return a, nil
	}
	if live, ok := s.getLive(ctx, auditID); ok && live.Progress > a.Progress {
		a.Progress = live.Progress
		a.RemoteStatus = live.RemoteStatus
	}
	return a, nil
}

// List returns one page of the tenant's audits and the total count.
func (s *Service) List(ctx context.Context, filter store.AuditFilter) ([]*models.Audit, int, error) {
	return s.store.ListAudits(ctx, filter)
}

// Result returns the adapted result of a completed audit.
func (s *Service) Result(ctx context.Context, tenantID, auditID uuid.UUID) (*models.AnalysisResult, error) {
	return s.store.GetAuditResult(ctx, auditID, tenantID)
}

// Shutdown stops every session without marking the audits, so Resume can pick
// them up again, and waits for the session goroutines to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopAll(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for audit sessions: %w", ctx.Err())
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// launch registers and starts a session. It reports false when the service is
// shutting down or a session for the audit already runs.
func (s *Service) launch(a *models.Audit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.sessions[a.ID]; running {
		return false
	}

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	sess := &session{cancel: cancel, done: make(chan struct{})}
	// The session owns its copy; a is returned to the caller.
	owned := *a
	s.sessions[a.ID] = sess
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(sess.done)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, a.ID)
			s.mu.Unlock()
			cancel(nil)
		}()
		s.runSession(ctx, &owned)
	}()
	return true
}

// runSession polls the remote job to a terminal outcome and records it. It
// always leaves the audit terminal, except when the service is shutting down.
func (s *Service) runSession(ctx context.Context, a *models.Audit) {
	bg := context.WithoutCancel(ctx)
	log := slog.With("audit_id", a.ID, "job_id", a.RemoteJobID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in audit session", "error", r)
			s.finish(bg, a, models.AuditStatusFailed, models.ErrorKindInternal, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	if a.Status == models.AuditStatusSubmitted {
		if err := s.store.UpdateAuditStatus(bg, a.ID, models.AuditStatusRunning); err != nil {
			log.Error("marking audit running", "error", err)
			return
		}
		a.Status = models.AuditStatusRunning
	}

	lastProgress, lastRemote := a.Progress, a.RemoteStatus
	onUpdate := func(job *models.Job, progress int) {
		remote := string(job.Status)
		a.Progress, a.RemoteStatus = progress, remote
		s.setLive(bg, a.ID, liveStatus{Status: models.AuditStatusRunning, Progress: progress, RemoteStatus: remote})
		if progress == lastProgress && remote == lastRemote {
			return
		}
		if err := s.store.UpdateAuditProgress(bg, a.ID, progress, remote); err != nil {
			log.Warn("recording audit progress", "error", err)
			return
		}
		lastProgress, lastRemote = progress, remote
	}

	job, err := s.poller.PollUntilComplete(ctx, a.RemoteJobID, onUpdate, poller.WithCancelRemote(false))
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrShuttingDown) {
			log.Info("audit session suspended for shutdown")
			return
		}
		kind := ErrorKind(err)
		status := models.AuditStatusFailed
		if kind == models.ErrorKindCancelled {
			status = models.AuditStatusCancelled
		}
		log.Warn("audit session ended", "status", status, "error_kind", kind, "error", err)
		s.finish(bg, a, status, kind, err.Error(), nil)
		return
	}

	result := adapter.Adapt(job)
	if err := s.store.SaveAuditResult(bg, a.ID, &result); err != nil {
		log.Error("saving audit result", "error", err)
		s.finish(bg, a, models.AuditStatusFailed, models.ErrorKindInternal, fmt.Sprintf("storing result: %v", err), nil)
		return
	}
	log.Info("audit completed", "combined_score", result.CombinedScore)
	s.finish(bg, a, models.AuditStatusCompleted, "", "", &result.CombinedScore)
}

func (s *Service) finish(ctx context.Context, a *models.Audit, status, kind, msg string, score *int) {
	var opts []store.AuditUpdateOption
	if kind != "" {
		opts = append(opts, store.WithError(kind, msg))
	}
	if err := s.store.UpdateAuditStatus(ctx, a.ID, status, opts...); err != nil {
		slog.Error("recording audit outcome", "audit_id", a.ID, "status", status, "error", err)
		return
	}

	progress := a.Progress
	if status == models.AuditStatusCompleted {
		progress = completion.Complete
	}
	s.setLive(ctx, a.ID, liveStatus{Status: status, Progress: progress, RemoteStatus: a.RemoteStatus})

	evType := events.TypeAuditFailed
	switch status {
	case models.AuditStatusCompleted:
		evType = events.TypeAuditCompleted
	case models.AuditStatusCancelled:
		evType = events.TypeAuditCancelled
	}
	s.publish(a, evType, kind, msg, score)
}

func (s *Service) publish(a *models.Audit, evType, kind, msg string, score *int) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	err := s.publisher.Publish(ctx, events.Event{
		Type:          evType,
		AuditID:       a.ID,
		TenantID:      a.TenantID,
		RemoteJobID:   a.RemoteJobID,
		URL:           a.Input.URL,
		CombinedScore: score,
		ErrorKind:     kind,
		ErrorMessage:  msg,
	})
	if err != nil {
		slog.Warn("publishing audit event", "audit_id", a.ID, "type", evType, "error", err)
	}
}

// cancelRemote is best effort; the backend may keep working.
func (s *Service) cancelRemote(jobID string) {
	if s.remote == nil || jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if err := s.remote.CancelJob(ctx, jobID); err != nil {
		slog.Warn("remote cancel failed", "job_id", jobID, "error", err)
	}
}

func (s *Service) setLive(ctx context.Context, auditID uuid.UUID, st liveStatus) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.cache.SetAuditStatus(ctx, auditID, string(b), liveStatusTTL); err != nil {
		slog.Warn("caching audit status", "audit_id", auditID, "error", err)
	}
}

func (s *Service) getLive(ctx context.Context, auditID uuid.UUID) (liveStatus, bool) {
	var st liveStatus
	if s.cache == nil {
		return st, false
	}
	raw, ok, err := s.cache.GetAuditStatus(ctx, auditID)
	if err != nil || !ok {
		return st, false
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, false
	}
	return st, true
}
