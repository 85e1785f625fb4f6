package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
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

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, filters, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Filters, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, filters, deleted_at, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Filters, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTenantFilters(ctx context.Context, id uuid.UUID, rules models.FilterRules) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET filters = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, rules)
	if err != nil {
		return fmt.Errorf("update tenant filters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant soft-deletes the tenant and cancels its open jobs. Pending and retrying
// jobs are cancelled outright; running jobs get a cancellation request. Returns the
// number of jobs affected.
func (s *PostgresStore) DeleteTenant(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	var affected int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tenants SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, now)
		if err != nil {
			return fmt.Errorf("delete tenant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		tag, err = tx.Exec(ctx,
			`UPDATE jobs SET state = 'cancelled', completed_at = $2, updated_at = $2,
			   last_error = 'tenant deleted'
			 WHERE tenant_id = $1 AND state IN ('pending', 'retrying')`, id, now)
		if err != nil {
			return fmt.Errorf("cancel tenant jobs: %w", err)
		}
		affected = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx,
			`UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
			 WHERE tenant_id = $1 AND state = 'running' AND NOT cancel_requested`, id, now)
		if err != nil {
			return fmt.Errorf("request cancel of running jobs: %w", err)
		}
		affected += int(tag.RowsAffected())
		return nil
	})
	return affected, err
}

// --- API Keys ---

const apiKeyColumns = `id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row scanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "get api key by prefix",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "list api keys",
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`,
		tenantID)
}

func (s *PostgresStore) queryAPIKeys(ctx context.Context, op, query string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Discoveries ---

const discoveryColumns = `id, tenant_id, external_message_id, status, filter_result, message,
	discovery_count, discovered_at, created_at, updated_at`

func scanDiscovery(row scanner, extra ...any) (*models.Discovery, error) {
	var d models.Discovery
	dest := append([]any{&d.ID, &d.TenantID, &d.ExternalMessageID, &d.Status, &d.FilterResult, &d.Message,
		&d.DiscoveryCount, &d.DiscoveredAt, &d.CreatedAt, &d.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) RecordDiscovery(ctx context.Context, d *models.Discovery) (*models.Discovery, bool, error) {
	// xmax is 0 only for a freshly inserted row.
	var created bool
	out, err := scanDiscovery(s.pool.QueryRow(ctx,
		`INSERT INTO discoveries (id, tenant_id, external_message_id, status, filter_result, message,
		   discovery_count, discovered_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $8)
		 ON CONFLICT (tenant_id, external_message_id) DO UPDATE SET
		   discovery_count = discoveries.discovery_count + 1,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+discoveryColumns+`, (xmax = 0)`,
		d.ID, d.TenantID, d.ExternalMessageID, d.Status, d.FilterResult, d.Message, d.DiscoveredAt, d.CreatedAt,
	), &created)
	if err != nil {
		return nil, false, fmt.Errorf("record discovery: %w", err)
	}
	return out, created, nil
}

func (s *PostgresStore) GetDiscovery(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Discovery, error) {
	d, err := scanDiscovery(s.pool.QueryRow(ctx,
		`SELECT `+discoveryColumns+` FROM discoveries WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get discovery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) QueueDiscovery(ctx context.Context, discoveryID uuid.UUID, jobs []*models.Job) ([]*models.Job, error) {
	var out []*models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM discoveries WHERE id = $1 FOR UPDATE`, discoveryID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock discovery: %w", err)
		}
		if status == models.DiscoveryStatusFilteredOut {
			return fmt.Errorf("queue filtered discovery: %w", ErrInvalidTransition)
		}

		for _, j := range jobs {
			_, err := tx.Exec(ctx,
				`INSERT INTO jobs (id, tenant_id, discovery_id, kind, state, priority, attempt_count, max_attempts,
				   next_attempt_at, credits_required, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
				 ON CONFLICT (discovery_id, kind) DO NOTHING`,
				j.ID, j.TenantID, discoveryID, j.Kind, models.JobStatePending, j.Priority, j.MaxAttempts,
				j.NextAttemptAt, j.CreditsRequired, j.CreatedAt)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE discoveries SET status = 'queued', updated_at = NOW() WHERE id = $1 AND status <> 'queued'`,
			discoveryID); err != nil {
			return fmt.Errorf("mark discovery queued: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE discovery_id = $1 ORDER BY created_at, kind`, discoveryID)
		if err != nil {
			return fmt.Errorf("list discovery jobs: %w", err)
		}
		out, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
