package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/geoaudit/internal/api"
	"github.com/kiranshivaraju/geoaudit/internal/api/handler"
	mw "github.com/kiranshivaraju/geoaudit/internal/api/middleware"
	"github.com/kiranshivaraju/geoaudit/internal/audit"
	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/internal/cache"
	"github.com/kiranshivaraju/geoaudit/internal/store"
	"github.com/kiranshivaraju/geoaudit/internal/submit"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testTenantID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testRawKey   = "ga_test_contract_key_1234567890"
	testPrefix   = testRawKey[:mw.KeyPrefixLen]
)

// ─── fake audit service ──────────────────────────────────────────────────────

type fakeService struct {
	mu      sync.Mutex
	audits  map[uuid.UUID]*models.Audit
	results map[uuid.UUID]*models.AnalysisResult

	startErr  error
	cancelErr error
	retryErr  error
	lastInput models.AuditInput
	lastList  store.AuditFilter
}

func newFakeService() *fakeService {
	return &fakeService{
		audits:  make(map[uuid.UUID]*models.Audit),
		results: make(map[uuid.UUID]*models.AnalysisResult),
	}
}

func (s *fakeService) add(status string, progress int) *models.Audit {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &models.Audit{
		ID:          uuid.New(),
		TenantID:    testTenantID,
		Input:       models.AuditInput{URL: "https://example.com"},
		RemoteJobID: "job-" + status,
		Status:      status,
		Progress:    progress,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.audits[a.ID] = a
	return a
}

func (s *fakeService) Start(_ context.Context, tenantID uuid.UUID, in models.AuditInput) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInput = in
	if s.startErr != nil {
		return nil, s.startErr
	}
	if err := submit.ValidateURL(in.URL, nil); err != nil {
		return nil, err
	}
	a := &models.Audit{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Input:       in,
		RemoteJobID: "job-new",
		Status:      models.AuditStatusSubmitted,
	}
	s.audits[a.ID] = a
	return a, nil
}

func (s *fakeService) Get(_ context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[auditID]
	if !ok || a.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (s *fakeService) List(_ context.Context, f store.AuditFilter) ([]*models.Audit, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastList = f
	out := []*models.Audit{}
	for _, a := range s.audits {
		if a.TenantID != f.TenantID || (f.Status != "" && a.Status != f.Status) {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (s *fakeService) Result(_ context.Context, tenantID, auditID uuid.UUID) (*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[auditID]
	if !ok || a.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	r, ok := s.results[auditID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *fakeService) Cancel(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	a, err := s.Get(ctx, tenantID, auditID)
	if err != nil {
		return nil, err
	}
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Status = models.AuditStatusCancelled
	return a, nil
}

func (s *fakeService) Retry(ctx context.Context, tenantID, auditID uuid.UUID) (*models.Audit, error) {
	prev, err := s.Get(ctx, tenantID, auditID)
	if err != nil {
		return nil, err
	}
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	a, err := s.Start(ctx, tenantID, prev.Input)
	if err != nil {
		return nil, err
	}
	a.RetryOf = &prev.ID
	return a, nil
}

var _ handler.AuditService = (*fakeService)(nil)

// ─── key store ───────────────────────────────────────────────────────────────

type keyStore struct {
	keys []*models.APIKey
}

func (k *keyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, key := range k.keys {
		if key.KeyPrefix == prefix {
			out = append(out, key)
		}
	}
	return out, nil
}

func (k *keyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	svc    *fakeService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &keyStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		TenantID:  testTenantID,
		Name:      "test-key",
		KeyHash:   string(hash),
		KeyPrefix: testPrefix,
		Scopes:    []string{mw.ScopeAuditsRead, mw.ScopeAuditsWrite},
	}}}

	svc := newFakeService()
	deps := api.Dependencies{
		Auth:      mw.NewAuth(keys),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 100),

		CreateAudit: handler.NewCreateAuditHandler(svc),
		ListAudits:  handler.NewListAuditsHandler(svc),
		GetAudit:    handler.NewGetAuditHandler(svc),
		AuditResult: handler.NewAuditResultHandler(svc),
		CancelAudit: handler.NewCancelAuditHandler(svc),
		RetryAudit:  handler.NewRetryAuditHandler(svc),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func errCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

// ─── POST /api/v1/audits ─────────────────────────────────────────────────────

func TestCreateAudit_202(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "POST", "/api/v1/audits", map[string]any{
		"url":             "https://example.com/page",
		"primary_keyword": "running shoes",
		"target_market":   "US",
		"competitors":     []string{"rival.example"},
	})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "submitted", data["status"])
	assert.Equal(t, "job-new", data["remote_job_id"])
	_, err := uuid.Parse(data["id"].(string))
	assert.NoError(t, err)

	assert.Equal(t, "running shoes", ts.svc.lastInput.PrimaryKeyword)
	assert.Equal(t, []string{"rival.example"}, ts.svc.lastInput.Competitors)
}

func TestCreateAudit_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/audits", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAudit_400_URLErrorsShareShape(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing", map[string]any{"primary_keyword": "x"}},
		{"empty", map[string]any{"url": ""}},
		{"bad scheme", map[string]any{"url": "ftp://example.com"}},
		{"short ip", map[string]any{"url": "http://127.1/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			resp, body := ts.do(t, "POST", "/api/v1/audits", tt.body)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errCode(body))
			details := body["error"].(map[string]any)["details"].(map[string]any)
			assert.Equal(t, "url", details["field"])
			assert.NotEmpty(t, details["reason"])
		})
	}
}

func TestCreateAudit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &submit.ValidationError{Field: "url", Reason: "must start with http:// or https://"},
			http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unauthorized", fmt.Errorf("creating analysis job: %w", auditapi.ErrUnauthorized),
			http.StatusBadGateway, "ANALYSIS_API_UNAUTHORIZED"},
		{"remote", fmt.Errorf("creating analysis job: %w", auditapi.ErrRemote),
			http.StatusBadGateway, "ANALYSIS_API_ERROR"},
		{"transient", fmt.Errorf("creating analysis job: %w", auditapi.ErrTransient),
			http.StatusServiceUnavailable, "ANALYSIS_API_UNAVAILABLE"},
		{"shutting down", audit.ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.svc.startErr = tt.err

			resp, body := ts.do(t, "POST", "/api/v1/audits", map[string]any{"url": "ftp://example.com"})

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errCode(body))
		})
	}
}

func TestCreateAudit_ValidationDetails(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.startErr = &submit.ValidationError{Field: "competitors", Reason: "at most 10 competitors are allowed"}

	_, body := ts.do(t, "POST", "/api/v1/audits", map[string]any{"url": "https://example.com"})

	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "competitors", details["field"])
	assert.Equal(t, "at most 10 competitors are allowed", details["reason"])
}

// ─── GET /api/v1/audits ──────────────────────────────────────────────────────

func TestListAudits_200_Paginated(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.add(models.AuditStatusRunning, 50)
	ts.svc.add(models.AuditStatusCompleted, 100)

	resp, body := ts.do(t, "GET", "/api/v1/audits?page=1&limit=1", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["page"])
	assert.Equal(t, float64(1), meta["limit"])
	assert.Equal(t, float64(2), meta["total"])
	assert.Equal(t, true, meta["has_next"])
	assert.Equal(t, testTenantID, ts.svc.lastList.TenantID)
}

func TestListAudits_StatusFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.add(models.AuditStatusRunning, 50)
	ts.svc.add(models.AuditStatusCompleted, 100)

	resp, body := ts.do(t, "GET", "/api/v1/audits?status=completed", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, "completed", ts.svc.lastList.Status)
}

func TestListAudits_LimitCapped(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, "GET", "/api/v1/audits?limit=500", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100, ts.svc.lastList.Limit)
}

func TestListAudits_400_BadParams(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"?page=0", "?limit=abc", "?status=exploded"} {
		t.Run(q, func(t *testing.T) {
			resp, body := ts.do(t, "GET", "/api/v1/audits"+q, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errCode(body))
		})
	}
}

func TestListAudits_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, "GET", "/api/v1/audits", nil)

	assert.Equal(t, []any{}, body["data"])
}

// ─── GET /api/v1/audits/{auditID} ────────────────────────────────────────────

func TestGetAudit_200(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusRunning, 50)

	resp, body := ts.do(t, "GET", "/api/v1/audits/"+a.ID.String(), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "running", data["status"])
	assert.Equal(t, float64(50), data["progress"])
}

func TestGetAudit_400_BadID(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, "GET", "/api/v1/audits/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAudit_404_WrongTenant(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusRunning, 50)
	a.TenantID = uuid.New()

	resp, body := ts.do(t, "GET", "/api/v1/audits/"+a.ID.String(), nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errCode(body))
}

// ─── GET /api/v1/audits/{auditID}/result ─────────────────────────────────────

func TestAuditResult_200(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusCompleted, 100)
	ts.svc.results[a.ID] = &models.AnalysisResult{
		JobID:           a.RemoteJobID,
		URL:             "https://example.com",
		SEOScore:        7,
		GEOScore:        50,
		CombinedScore:   60,
		Recommendations: []models.Recommendation{},
		Strengths:       []string{},
		Weaknesses:      []string{},
		KeywordOverlap:  []string{},
	}

	resp, body := ts.do(t, "GET", "/api/v1/audits/"+a.ID.String()+"/result", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(60), data["combined_score"])
	assert.Equal(t, []any{}, data["recommendations"])
}

func TestAuditResult_409_NotReady(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusRunning, 80)

	resp, body := ts.do(t, "GET", "/api/v1/audits/"+a.ID.String()+"/result", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "RESULT_NOT_READY", errCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, float64(80), details["progress"])
}

func TestAuditResult_404_Missing(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, "GET", "/api/v1/audits/"+uuid.NewString()+"/result", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── DELETE /api/v1/audits/{auditID} ─────────────────────────────────────────

func TestCancelAudit_200(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusRunning, 30)

	resp, body := ts.do(t, "DELETE", "/api/v1/audits/"+a.ID.String(), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["data"].(map[string]any)["status"])
}

func TestCancelAudit_409_AlreadyFinished(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusCompleted, 100)
	ts.svc.cancelErr = audit.ErrAlreadyFinished

	resp, body := ts.do(t, "DELETE", "/api/v1/audits/"+a.ID.String(), nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_FINISHED", errCode(body))
}

// ─── POST /api/v1/audits/{auditID}/retry ─────────────────────────────────────

func TestRetryAudit_202(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusFailed, 50)

	resp, body := ts.do(t, "POST", "/api/v1/audits/"+a.ID.String()+"/retry", nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, a.ID.String(), data["retry_of"])
	assert.Equal(t, "https://example.com", ts.svc.lastInput.URL)
}

func TestRetryAudit_409_NotRetryable(t *testing.T) {
	ts := newTestServer(t)
	a := ts.svc.add(models.AuditStatusFailed, 50)
	ts.svc.retryErr = fmt.Errorf("%w: error kind %q is not retryable", audit.ErrNotRetryable, "auth")

	resp, body := ts.do(t, "POST", "/api/v1/audits/"+a.ID.String()+"/retry", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NOT_RETRYABLE", errCode(body))
}

// ─── auth ────────────────────────────────────────────────────────────────────

func TestAudits_401_NoToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/api/v1/audits")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
