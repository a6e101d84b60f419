package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, created_at
		 FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Audits ---

const auditColumns = `id, tenant_id, url, primary_keyword, target_market, competitors, remote_job_id,
	status, remote_status, progress, error_kind, error_message, retry_of, completed_at, created_at, updated_at`

func scanAudit(row pgx.Row) (*models.Audit, error) {
	var a models.Audit
	err := row.Scan(&a.ID, &a.TenantID, &a.Input.URL, &a.Input.PrimaryKeyword, &a.Input.TargetMarket,
		&a.Input.Competitors, &a.RemoteJobID, &a.Status, &a.RemoteStatus, &a.Progress,
		&a.ErrorKind, &a.ErrorMessage, &a.RetryOf, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAudit(ctx context.Context, a *models.Audit) error {
	competitors := a.Input.Competitors
	if competitors == nil {
		competitors = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audits (id, tenant_id, url, primary_keyword, target_market, competitors, remote_job_id,
		   status, remote_status, progress, error_kind, error_message, retry_of, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.TenantID, a.Input.URL, a.Input.PrimaryKeyword, a.Input.TargetMarket, competitors,
		a.RemoteJobID, a.Status, a.RemoteStatus, a.Progress, a.ErrorKind, a.ErrorMessage, a.RetryOf,
		a.CompletedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAudit(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Audit, error) {
	a, err := scanAudit(s.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]*models.Audit, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.URL != "" {
		conditions = append(conditions, fmt.Sprintf("url = $%d", argIdx))
		args = append(args, filter.URL)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audits WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audits: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM audits WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	audits, err := s.queryAudits(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audits: %w", err)
	}
	return audits, total, nil
}

// ListUnfinishedAudits returns audits of every tenant whose session had not
// ended, oldest first.
func (s *PostgresStore) ListUnfinishedAudits(ctx context.Context) ([]*models.Audit, error) {
	audits, err := s.queryAudits(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE status IN ($1, $2) ORDER BY created_at`,
		models.AuditStatusSubmitted, models.AuditStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list unfinished audits: %w", err)
	}
	return audits, nil
}

func (s *PostgresStore) queryAudits(ctx context.Context, query string, args ...any) ([]*models.Audit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := []*models.Audit{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// UpdateAuditProgress records the latest remote observation. Progress only
// moves forward and terminal audits are left untouched.
func (s *PostgresStore) UpdateAuditProgress(ctx context.Context, id uuid.UUID, progress int, remoteStatus string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audits SET progress = GREATEST(progress, $2), remote_status = $3, updated_at = NOW()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, progress, remoteStatus, models.AuditStatusSubmitted, models.AuditStatusRunning)
	if err != nil {
		return fmt.Errorf("update audit progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAuditStatus(ctx context.Context, id uuid.UUID, status string, opts ...AuditUpdateOption) error {
	params := ResolveAuditUpdate(opts...)

	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE audits SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	switch status {
	case models.AuditStatusCompleted:
		query += fmt.Sprintf(", progress = 100, completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	case models.AuditStatusFailed, models.AuditStatusCancelled:
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorKind != nil {
		query += fmt.Sprintf(", error_kind = $%d, error_message = $%d", argIdx, argIdx+1)
		args = append(args, *params.ErrorKind, *params.ErrorMessage)
		argIdx += 2
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM audits WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get audit status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// --- Audit results ---

func (s *PostgresStore) SaveAuditResult(ctx context.Context, auditID uuid.UUID, result *models.AnalysisResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode audit result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_results (audit_id, combined_score, result, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (audit_id) DO UPDATE SET
		   combined_score = EXCLUDED.combined_score,
		   result = EXCLUDED.result`,
		auditID, result.CombinedScore, body)
	if err != nil {
		return fmt.Errorf("save audit result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuditResult(ctx context.Context, auditID uuid.UUID, tenantID uuid.UUID) (*models.AnalysisResult, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT r.result FROM audit_results r
		 JOIN audits a ON a.id = r.audit_id
		 WHERE r.audit_id = $1 AND a.tenant_id = $2`, auditID, tenantID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit result: %w", err)
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode audit result: %w", err)
	}
	return &result, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
