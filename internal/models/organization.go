package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization groups tenants under a single owning principal. Ownership
// authority lives with the external identity layer; this core only records
// the owner for scoping reads and attributing provisioning requests.
type Organization struct {
	OrgID            uuid.UUID // UUIDv7
	Name             string
	OwnerPrincipalID uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
