package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrTenantNotFound            = errors.New("tenant not found")
	ErrSubdomainTaken            = errors.New("subdomain already taken")
	ErrDBNameTaken               = errors.New("database name already taken")
	ErrStatusConflict            = errors.New("tenant status changed concurrently")
	ErrOrganizationNotFound      = errors.New("organization not found")
	ErrOrganizationAlreadyExists = errors.New("organization already exists")
)

// TenantStore defines the interface for tenant metadata storage. All writes
// are single-row; the multi-step provisioning saga never holds a transaction
// across calls. Uniqueness of subdomain (case-insensitive) and db_name is
// enforced by the store itself, not by callers.
type TenantStore interface {
	// Insert persists a new tenant row. The caller supplies TenantID
	// (UUIDv7) along with subdomain and db_name; timestamps are set by the
	// store. Returns ErrSubdomainTaken or ErrDBNameTaken when the
	// corresponding uniqueness constraint rejects the row.
	Insert(ctx context.Context, tenant *models.Tenant) error

	// UpdateStatus moves a tenant from an expected status to a new one.
	// Cause is stored verbatim and should be empty unless the new status
	// is failed. The guard keeps terminal statuses immutable when two
	// writers race: the orchestrator finalizing and the reconciler
	// sweeping both transition from provisioning, and whichever loses
	// gets ErrStatusConflict instead of overwriting a terminal state.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	UpdateStatus(ctx context.Context, tenantID uuid.UUID, from, to models.TenantStatus, cause string) error

	// Get retrieves a tenant by ID.
	Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)

	// FindBySubdomain retrieves a tenant by subdomain, case-insensitively.
	// Returns ErrTenantNotFound if no tenant holds the subdomain.
	FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)

	// ListByOrganization returns all tenants belonging to an organization,
	// newest first. Failed tenants are included; callers must inspect
	// Status rather than assume every row is usable.
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.Tenant, error)

	// ListStuckProvisioning returns tenants still in provisioning status
	// whose last update is older than the cutoff. Used by the reconciler
	// to enforce the terminal-status guarantee after crashes.
	ListStuckProvisioning(ctx context.Context, olderThan time.Time) ([]*models.Tenant, error)

	// ListDBNames returns every db_name known to the store, regardless of
	// tenant status. Failed tenants keep their names reserved, so this is
	// the full set of physical databases the store has ever claimed.
	ListDBNames(ctx context.Context) ([]string, error)
}

// OrganizationStore defines the interface for organization storage
// operations. The core consumes organizations; it does not own their
// lifecycle beyond this directory.
type OrganizationStore interface {
	// Create creates a new organization in the store.
	// Returns ErrOrganizationAlreadyExists if an organization with the same ID already exists.
	Create(ctx context.Context, org *models.Organization) error

	// Get retrieves an organization by ID.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// GetOwned retrieves an organization by ID only when it is owned by the
	// given principal. Returns ErrOrganizationNotFound otherwise, so callers
	// cannot distinguish "missing" from "not yours".
	GetOwned(ctx context.Context, orgID uuid.UUID, ownerPrincipalID uuid.UUID) (*models.Organization, error)

	// ListByOwner returns all organizations owned by a specific principal.
	ListByOwner(ctx context.Context, ownerPrincipalID uuid.UUID) ([]*models.Organization, error)
}
