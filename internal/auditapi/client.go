// Package auditapi is the HTTP transport for the remote SEO/GEO analysis
// pipeline: job creation, status reads and best-effort cancellation.
package auditapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/geoaudit/internal/cache"
	"github.com/kiranshivaraju/geoaudit/internal/completion"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 10 << 20

// Client is the interface for the remote job API.
type Client interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	URL            string   `json:"url"`
	PrimaryKeyword string   `json:"primary_keyword,omitempty"`
	TargetMarket   string   `json:"target_market,omitempty"`
	Competitors    []string `json:"competitors,omitempty"`
}

// HTTPClient implements Client over the pipeline's REST API.
type HTTPClient struct {
	baseURL    string
	tokens     oauth2.TokenSource
	client     *http.Client
	retries    uint64
	retryDelay time.Duration

	snapshots   cache.Cache
	snapshotTTL time.Duration
	inflight    singleflight.Group
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithRetry sets how many times idempotent calls are retried on transient
// failures, and the fixed delay between tries.
func WithRetry(count int, delay time.Duration) Option {
	return func(c *HTTPClient) {
		if count < 0 {
			count = 0
		}
		c.retries = uint64(count)
		c.retryDelay = delay
	}
}

// WithSnapshotCache stores terminal job snapshots so repeated reads of a
// finished job skip the network.
func WithSnapshotCache(ca cache.Cache, ttl time.Duration) Option {
	return func(c *HTTPClient) {
		c.snapshots = ca
		c.snapshotTTL = ttl
	}
}

// NewHTTPClient creates a client. tokens may be nil for unauthenticated backends.
func NewHTTPClient(baseURL string, tokens oauth2.TokenSource, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		client:     &http.Client{Timeout: timeout},
		retries:    2,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJob submits a new analysis job. It is not retried: a retry after an
// ambiguous failure could start a duplicate job.
func (c *HTTPClient) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}

	payload, err := c.do(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return nil, err
	}

	job, err := NormalizeJob(payload)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: no job id returned", ErrRemote)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	return job, nil
}

// GetJob fetches the current state of a job. Concurrent reads of the same job
// share one request, and terminal snapshots are served from the cache.
func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: empty job id", ErrNotFound)
	}

	if job, ok := c.cachedSnapshot(ctx, jobID); ok {
		return job, nil
	}

	v, err, _ := c.inflight.Do(jobID, func() (any, error) {
		return c.fetchJob(ctx, jobID)
	})
	if err != nil {
		return nil, err
	}
	job := *v.(*models.Job)
	return &job, nil
}

// CancelJob asks the backend to stop work on a job. The backend may ignore it.
func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) error {
	_, err := c.doWithRetry(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ForgetJob drops any cached snapshot for jobID.
func (c *HTTPClient) ForgetJob(ctx context.Context, jobID string) error {
	if c.snapshots == nil {
		return nil
	}
	return c.snapshots.Delete(ctx, cache.JobSnapshotKey(jobID))
}

func (c *HTTPClient) fetchJob(ctx context.Context, jobID string) (*models.Job, error) {
	payload, err := c.doWithRetry(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}

	job, err := NormalizeJob(payload)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = jobID
	}

	if c.snapshots != nil && (completion.IsComplete(job) || completion.IsFailure(job.Status)) {
		if err := c.snapshots.Set(ctx, cache.JobSnapshotKey(jobID), job.Raw, c.snapshotTTL); err != nil {
			slog.Warn("caching job snapshot", "job_id", jobID, "error", err)
		}
	}
	return job, nil
}

func (c *HTTPClient) cachedSnapshot(ctx context.Context, jobID string) (*models.Job, bool) {
	if c.snapshots == nil {
		return nil, false
	}
	raw, found, err := c.snapshots.Get(ctx, cache.JobSnapshotKey(jobID))
	if err != nil {
		slog.Warn("reading job snapshot", "job_id", jobID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	job, err := NormalizeJob(raw)
	if err != nil {
		return nil, false
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, true
}

// doWithRetry retries transient failures of idempotent requests.
func (c *HTTPClient) doWithRetry(ctx context.Context, method, path string) (json.RawMessage, error) {
	var payload json.RawMessage
	op := func() error {
		p, err := c.do(ctx, method, path, nil)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		payload = p
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.retries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Warn("retrying analysis api call", "method", method, "path", path, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := c.setHeaders(req, body != nil); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	status, payload := unwrapEnvelope(resp.StatusCode, raw)
	if err := classifyStatus(status, payload); err != nil {
		return nil, err
	}
	if method == http.MethodDelete {
		return nil, nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty body (status %d)", ErrRemote, status)
	}
	return payload, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, hasBody bool) error {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return classifyTokenError(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

// classifyTokenError treats a rejection by the token endpoint as an auth
// failure and anything else (network errors, 5xx) as transient.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: obtaining token: %v", ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%w: obtaining token: %v", ErrTransient, err)
}

// classifyStatus maps a (possibly envelope-supplied) status code to a sentinel.
func classifyStatus(status int, payload []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d%s", ErrUnauthorized, status, remoteMessage(payload))
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d%s", ErrNotFound, status, remoteMessage(payload))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d%s", ErrTransient, status, remoteMessage(payload))
	default:
		return fmt.Errorf("%w: status %d%s", ErrRemote, status, remoteMessage(payload))
	}
}

func remoteMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &body) != nil {
		return ""
	}
	if body.Message != "" {
		return ": " + body.Message
	}
	if body.Error != "" {
		return ": " + body.Error
	}
	return ""
}

// classifyError maps transport-level errors to sentinel errors. Cancellation
// of the caller's context is returned as-is so it is never retried.
func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("analysis api call aborted: %w", ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}

	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
