package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/geoaudit/internal/store"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("geoaudit_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	// Applying twice is a no-op.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultTenantID returns the UUID of the seeded default tenant.
func defaultTenantID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	return tenant.ID
}

func newAudit(tenantID uuid.UUID, url string) *models.Audit {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Audit{
		ID:       uuid.New(),
		TenantID: tenantID,
		Input: models.AuditInput{
			URL:            url,
			PrimaryKeyword: "running shoes",
			TargetMarket:   "US",
			Competitors:    []string{"rival.example"},
		},
		RemoteJobID:  "job-" + uuid.NewString()[:8],
		Status:       models.AuditStatusSubmitted,
		RemoteStatus: "pending",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// --- Tenant Tests ---

func TestGetDefaultTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", tenant.Name)
	assert.NotEqual(t, uuid.Nil, tenant.ID)
}

// --- API Key Tests ---

func TestAPIKey_CreateGetAndTouch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "dashboard",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "ga_abcde",
		Scopes:    []string{"audits:read", "audits:write"},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "ga_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"audits:read", "audits:write"}, keys[0].Scopes)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

	keys, err = s.GetAPIKeyByPrefix(ctx, "ga_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAPIKey_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)
	now := time.Now().UTC()

	id := uuid.New()
	require.NoError(t, s.CreateAPIKey(ctx, &models.APIKey{
		ID: id, TenantID: tenantID, Name: "dup1", KeyHash: "h1", KeyPrefix: "ga_dup01",
		Scopes: []string{"audits:read"}, CreatedAt: now,
	}))

	err := s.CreateAPIKey(ctx, &models.APIKey{
		ID: id, TenantID: tenantID, Name: "dup2", KeyHash: "h2", KeyPrefix: "ga_dup02",
		Scopes: []string{"audits:read"}, CreatedAt: now,
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

// --- Audit Tests ---

func TestAudit_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com/pricing")
	require.NoError(t, s.CreateAudit(ctx, a))

	got, err := s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, a.Input, got.Input)
	assert.Equal(t, a.RemoteJobID, got.RemoteJobID)
	assert.Equal(t, models.AuditStatusSubmitted, got.Status)
	assert.Nil(t, got.ErrorKind)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetAudit(ctx, a.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAudit_CreateWithoutCompetitors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com")
	a.Input.Competitors = nil
	require.NoError(t, s.CreateAudit(ctx, a))

	got, err := s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Empty(t, got.Input.Competitors)
}

func TestAudit_ListPaginationAndFilter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		a := newAudit(tenantID, "https://example.com/page")
		a.CreatedAt = base.Add(time.Duration(i) * time.Second)
		a.UpdatedAt = a.CreatedAt
		require.NoError(t, s.CreateAudit(ctx, a))
		if i%2 == 0 {
			require.NoError(t, s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusRunning))
		}
	}

	audits, total, err := s.ListAudits(ctx, store.AuditFilter{TenantID: tenantID, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, audits, 2)
	assert.True(t, audits[0].CreatedAt.After(audits[1].CreatedAt))

	audits, total, err = s.ListAudits(ctx, store.AuditFilter{TenantID: tenantID, Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, audits, 1)

	audits, total, err = s.ListAudits(ctx, store.AuditFilter{TenantID: tenantID, Status: models.AuditStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, a := range audits {
		assert.Equal(t, models.AuditStatusRunning, a.Status)
	}

	audits, total, err = s.ListAudits(ctx, store.AuditFilter{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, audits)
	assert.Empty(t, audits)
}

func TestAudit_StatusTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com")
	require.NoError(t, s.CreateAudit(ctx, a))

	err := s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusCompleted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusRunning))
	require.NoError(t, s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusCompleted))

	got, err := s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)

	err = s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusFailed)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.UpdateAuditStatus(ctx, uuid.New(), models.AuditStatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.UpdateAuditStatus(ctx, a.ID, "archived")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestAudit_FailWithError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com")
	require.NoError(t, s.CreateAudit(ctx, a))
	require.NoError(t, s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusRunning))

	err := s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusFailed,
		store.WithError(models.ErrorKindTimeout, "analysis did not finish before the deadline"))
	require.NoError(t, err)

	got, err := s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrorKindTimeout, *got.ErrorKind)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "deadline")
	assert.NotNil(t, got.CompletedAt)
}

func TestAudit_ProgressOnlyMovesForward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com")
	require.NoError(t, s.CreateAudit(ctx, a))

	require.NoError(t, s.UpdateAuditProgress(ctx, a.ID, 50, "processing"))
	require.NoError(t, s.UpdateAuditProgress(ctx, a.ID, 10, "queued"))

	got, err := s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "queued", got.RemoteStatus)

	require.NoError(t, s.UpdateAuditStatus(ctx, a.ID, models.AuditStatusCancelled))
	require.NoError(t, s.UpdateAuditProgress(ctx, a.ID, 80, "partially_scored"))

	got, err = s.GetAudit(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
}

func TestAudit_ListUnfinished(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	running := newAudit(tenantID, "https://example.com/a")
	done := newAudit(tenantID, "https://example.com/b")
	require.NoError(t, s.CreateAudit(ctx, running))
	require.NoError(t, s.CreateAudit(ctx, done))
	require.NoError(t, s.UpdateAuditStatus(ctx, running.ID, models.AuditStatusRunning))
	require.NoError(t, s.UpdateAuditStatus(ctx, done.ID, models.AuditStatusCancelled))

	audits, err := s.ListUnfinishedAudits(ctx)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, running.ID, audits[0].ID)
}

func TestAudit_RetryOf(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	original := newAudit(tenantID, "https://example.com")
	require.NoError(t, s.CreateAudit(ctx, original))

	retry := newAudit(tenantID, "https://example.com")
	retry.RetryOf = &original.ID
	require.NoError(t, s.CreateAudit(ctx, retry))

	got, err := s.GetAudit(ctx, retry.ID, tenantID)
	require.NoError(t, err)
	require.NotNil(t, got.RetryOf)
	assert.Equal(t, original.ID, *got.RetryOf)
}

// --- Audit Result Tests ---

func TestAuditResult_SaveAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newAudit(tenantID, "https://example.com")
	require.NoError(t, s.CreateAudit(ctx, a))

	result := &models.AnalysisResult{
		JobID:         a.RemoteJobID,
		URL:           "https://example.com",
		Status:        "scored",
		SEOScore:      7,
		GEOScore:      50,
		CombinedScore: 60,
		Recommendations: []models.Recommendation{
			{Title: "Add FAQ schema", Priority: "high", Category: "schema"},
		},
		Strengths:      []string{"Fast"},
		Weaknesses:     []string{},
		KeywordOverlap: []string{"shoes"},
		GEOMetrics:     models.GEOMetrics{Entities: []string{}, MentionedBrands: []string{}},
		ScoredAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveAuditResult(ctx, a.ID, result))

	got, err := s.GetAuditResult(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, result, got)

	result.CombinedScore = 61
	require.NoError(t, s.SaveAuditResult(ctx, a.ID, result))
	got, err = s.GetAuditResult(ctx, a.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 61, got.CombinedScore)

	_, err = s.GetAuditResult(ctx, a.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuditResult_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetAuditResult(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
