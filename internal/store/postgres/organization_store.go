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

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
// It shares the connection pool with the tenant store.
func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{
		pool: pool,
	}
}

// Create creates a new organization in the database.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	now := time.Now()
	org.CreatedAt = now
	org.UpdatedAt = now

	query := `
		INSERT INTO organizations (
			org_id, name, owner_principal_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
	`

	_, err := s.pool.Exec(ctx, query,
		org.OrgID,
		org.Name,
		org.OwnerPrincipalID,
		org.CreatedAt,
		org.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrOrganizationAlreadyExists
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("name", org.Name).
		Msg("Created organization")

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT org_id, name, owner_principal_id, created_at, updated_at
		FROM organizations
		WHERE org_id = $1
	`

	return s.queryOne(ctx, query, orgID)
}

// GetOwned retrieves an organization only when it is owned by the given
// principal. A missing row and a row owned by someone else are both
// reported as not found.
func (s *OrganizationStore) GetOwned(ctx context.Context, orgID uuid.UUID, ownerPrincipalID uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT org_id, name, owner_principal_id, created_at, updated_at
		FROM organizations
		WHERE org_id = $1 AND owner_principal_id = $2
	`

	return s.queryOne(ctx, query, orgID, ownerPrincipalID)
}

// ListByOwner returns all organizations owned by a specific principal.
func (s *OrganizationStore) ListByOwner(ctx context.Context, ownerPrincipalID uuid.UUID) ([]*models.Organization, error) {
	query := `
		SELECT org_id, name, owner_principal_id, created_at, updated_at
		FROM organizations
		WHERE owner_principal_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, ownerPrincipalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		var org models.Organization
		err := rows.Scan(
			&org.OrgID,
			&org.Name,
			&org.OwnerPrincipalID,
			&org.CreatedAt,
			&org.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, &org)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating organizations: %w", err)
	}

	return orgs, nil
}

func (s *OrganizationStore) queryOne(ctx context.Context, query string, args ...any) (*models.Organization, error) {
	var org models.Organization
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&org.OrgID,
		&org.Name,
		&org.OwnerPrincipalID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}
