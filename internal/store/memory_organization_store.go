package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/models"
)

// MemoryOrganizationStore is an in-memory implementation of
// OrganizationStore for development and testing
type MemoryOrganizationStore struct {
	mu   sync.RWMutex
	orgs map[uuid.UUID]*models.Organization
}

// NewMemoryOrganizationStore creates a new in-memory organization store
func NewMemoryOrganizationStore() *MemoryOrganizationStore {
	return &MemoryOrganizationStore{
		orgs: make(map[uuid.UUID]*models.Organization),
	}
}

// Create creates a new organization
func (s *MemoryOrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orgs[org.OrgID]; exists {
		return ErrOrganizationAlreadyExists
	}

	now := time.Now()
	org.CreatedAt = now
	org.UpdatedAt = now

	copy := *org
	s.orgs[org.OrgID] = &copy
	return nil
}

// Get retrieves an organization by ID
func (s *MemoryOrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.orgs[orgID]
	if !exists {
		return nil, ErrOrganizationNotFound
	}

	copy := *org
	return &copy, nil
}

// GetOwned retrieves an organization only when owned by the given principal
func (s *MemoryOrganizationStore) GetOwned(ctx context.Context, orgID uuid.UUID, ownerPrincipalID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.orgs[orgID]
	if !exists || org.OwnerPrincipalID != ownerPrincipalID {
		return nil, ErrOrganizationNotFound
	}

	copy := *org
	return &copy, nil
}

// ListByOwner returns all organizations owned by a specific principal
func (s *MemoryOrganizationStore) ListByOwner(ctx context.Context, ownerPrincipalID uuid.UUID) ([]*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orgs []*models.Organization
	for _, org := range s.orgs {
		if org.OwnerPrincipalID == ownerPrincipalID {
			copy := *org
			orgs = append(orgs, &copy)
		}
	}

	sort.Slice(orgs, func(i, j int) bool {
		return orgs[i].CreatedAt.After(orgs[j].CreatedAt)
	})

	return orgs, nil
}
