package tenant

import (
	"errors"
)

// Sentinel errors for request-level failures. These surface directly to
// the caller: no tenant row was created or changed. Provisioning and
// migration failures after the row exists are not errors here; they are
// absorbed into the tenant's failed status and cause.
var (
	// ErrSubdomainConflict means the subdomain is already held by another
	// tenant, either detected by the advisory pre-check or by losing the
	// insert race against a concurrent request.
	ErrSubdomainConflict = errors.New("subdomain already in use")

	// ErrOrganizationNotFound means the referenced organization does not
	// exist or is not visible to the caller.
	ErrOrganizationNotFound = errors.New("organization not found")
)
