package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus tracks a tenant through provisioning. Transitions are
// monotonic: Pending -> Provisioning -> Active or Failed. A row never
// returns to Pending.
type TenantStatus string

const (
	TenantStatusPending      TenantStatus = "pending"
	TenantStatusProvisioning TenantStatus = "provisioning"
	TenantStatusActive       TenantStatus = "active"
	TenantStatusFailed       TenantStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s TenantStatus) Terminal() bool {
	return s == TenantStatusActive || s == TenantStatusFailed
}

// Tenant represents one provisioned customer database. Subdomain is
// globally unique (case-insensitive) and immutable; DBName is the
// physical database identifier derived from the subdomain and is never
// reused, even for failed tenants.
type Tenant struct {
	TenantID       uuid.UUID // UUIDv7
	Name           string
	Subdomain      string
	DBName         string
	OrganizationID uuid.UUID
	Status         TenantStatus
	// StatusCause holds a human-readable reason when Status is failed.
	StatusCause string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
