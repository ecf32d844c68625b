package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/store"
)

// TenantStore implements store.TenantStore using PostgreSQL. Subdomain
// uniqueness (case-insensitive) and db_name uniqueness are enforced by
// unique indexes, which makes the store the single source of truth for
// the provisioning saga's conflict detection.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore creates a new PostgreSQL-backed tenant store.
// It shares the connection pool with other stores.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{
		pool: pool,
	}
}

const tenantColumns = `tenant_id, name, subdomain, db_name, organization_id, status, status_cause, created_at, updated_at`

// Insert persists a new tenant row. A unique violation on the subdomain
// index surfaces as store.ErrSubdomainTaken; this is how a concurrent
// provisioning request loses the race.
func (s *TenantStore) Insert(ctx context.Context, tenant *models.Tenant) error {
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	query := `
		INSERT INTO tenants (
			tenant_id, name, subdomain, db_name, organization_id, status, status_cause, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := s.pool.Exec(ctx, query,
		tenant.TenantID,
		tenant.Name,
		tenant.Subdomain,
		tenant.DBName,
		tenant.OrganizationID,
		tenant.Status,
		tenant.StatusCause,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)

	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("tenant_id", tenant.TenantID.String()).
		Str("subdomain", tenant.Subdomain).
		Str("db_name", tenant.DBName).
		Msg("Inserted tenant")

	return nil
}

// UpdateStatus moves a tenant from an expected status to a new one,
// recording the cause. The status guard in the WHERE clause is what keeps
// terminal statuses immutable under concurrent writers; a row whose
// status moved on is reported as store.ErrStatusConflict.
func (s *TenantStore) UpdateStatus(ctx context.Context, tenantID uuid.UUID, from, to models.TenantStatus, cause string) error {
	query := `
		UPDATE tenants SET
			status = $3,
			status_cause = $4,
			updated_at = $5
		WHERE tenant_id = $1 AND status = $2
	`

	result, err := s.pool.Exec(ctx, query, tenantID, from, to, cause, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		// Distinguish a missing row from one whose status moved on.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM tenants WHERE tenant_id = $1)`, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check tenant existence: %w", mapPostgresError(err))
		}
		if !exists {
			return store.ErrTenantNotFound
		}
		return store.ErrStatusConflict
	}

	log.Debug().
		Str("tenant_id", tenantID.String()).
		Str("status", string(to)).
		Msg("Updated tenant status")

	return nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = $1`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return tenant, nil
}

// FindBySubdomain retrieves a tenant by subdomain, case-insensitively.
func (s *TenantStore) FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE lower(subdomain) = lower($1)`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, subdomain))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to find tenant by subdomain: %w", mapPostgresError(err))
	}

	return tenant, nil
}

// ListByOrganization returns all tenants belonging to an organization,
// newest first. Failed tenants are included so callers see their status
// and cause rather than a silently missing row.
func (s *TenantStore) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE organization_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	return collectTenants(rows)
}

// ListStuckProvisioning returns tenants still in provisioning status whose
// last update is older than the cutoff.
func (s *TenantStore) ListStuckProvisioning(ctx context.Context, olderThan time.Time) ([]*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	rows, err := s.pool.Query(ctx, query, models.TenantStatusProvisioning, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	return collectTenants(rows)
}

// ListDBNames returns every db_name claimed by any tenant row, including
// failed ones, whose names stay retired.
func (s *TenantStore) ListDBNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT db_name FROM tenants ORDER BY db_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list db names: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan db name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating db names: %w", err)
	}

	return names, nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var tenant models.Tenant
	err := row.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.Subdomain,
		&tenant.DBName,
		&tenant.OrganizationID,
		&tenant.Status,
		&tenant.StatusCause,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func collectTenants(rows pgx.Rows) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}

	return tenants, nil
}
