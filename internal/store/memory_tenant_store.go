package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/models"
)

// MemoryTenantStore is an in-memory implementation of TenantStore for
// development and testing. It enforces the same uniqueness rules as the
// PostgreSQL store: case-insensitive subdomains and exact db_name values.
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*models.Tenant
}

// NewMemoryTenantStore creates a new in-memory tenant store
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{
		tenants: make(map[uuid.UUID]*models.Tenant),
	}
}

// Insert persists a new tenant row, rejecting duplicate subdomains and
// db_names the way the unique indexes in the PostgreSQL store would.
func (s *MemoryTenantStore) Insert(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowered := strings.ToLower(tenant.Subdomain)
	for _, existing := range s.tenants {
		if strings.ToLower(existing.Subdomain) == lowered {
			return ErrSubdomainTaken
		}
		if existing.DBName == tenant.DBName {
			return ErrDBNameTaken
		}
	}

	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	copy := *tenant
	s.tenants[tenant.TenantID] = &copy
	return nil
}

// UpdateStatus moves a tenant from an expected status to a new one,
// recording the cause. A row in any other status is left untouched and
// reported as ErrStatusConflict.
func (s *MemoryTenantStore) UpdateStatus(ctx context.Context, tenantID uuid.UUID, from, to models.TenantStatus, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, exists := s.tenants[tenantID]
	if !exists {
		return ErrTenantNotFound
	}
	if tenant.Status != from {
		return ErrStatusConflict
	}

	tenant.Status = to
	tenant.StatusCause = cause
	tenant.UpdatedAt = time.Now()
	return nil
}

// Get retrieves a tenant by ID
func (s *MemoryTenantStore) Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[tenantID]
	if !exists {
		return nil, ErrTenantNotFound
	}

	copy := *tenant
	return &copy, nil
}

// FindBySubdomain retrieves a tenant by subdomain, case-insensitively
func (s *MemoryTenantStore) FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lowered := strings.ToLower(subdomain)
	for _, tenant := range s.tenants {
		if strings.ToLower(tenant.Subdomain) == lowered {
			copy := *tenant
			return &copy, nil
		}
	}
	return nil, ErrTenantNotFound
}

// ListByOrganization returns all tenants belonging to an organization, newest first
func (s *MemoryTenantStore) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tenants []*models.Tenant
	for _, tenant := range s.tenants {
		if tenant.OrganizationID == orgID {
			copy := *tenant
			tenants = append(tenants, &copy)
		}
	}

	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].CreatedAt.After(tenants[j].CreatedAt)
	})

	return tenants, nil
}

// ListStuckProvisioning returns tenants still provisioning past the cutoff
func (s *MemoryTenantStore) ListStuckProvisioning(ctx context.Context, olderThan time.Time) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tenants []*models.Tenant
	for _, tenant := range s.tenants {
		if tenant.Status == models.TenantStatusProvisioning && tenant.UpdatedAt.Before(olderThan) {
			copy := *tenant
			tenants = append(tenants, &copy)
		}
	}
	return tenants, nil
}

// ListDBNames returns every db_name claimed by any tenant row
func (s *MemoryTenantStore) ListDBNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		names = append(names, tenant.DBName)
	}
	sort.Strings(names)
	return names, nil
}
