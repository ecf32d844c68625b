// Package naming derives physical database identifiers from tenant
// subdomains. Allocation is a pure function: no I/O, deterministic output,
// and structurally collision-free within the target engine's identifier
// length limit.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the PostgreSQL identifier limit (NAMEDATALEN-1).
const MaxIdentifierLength = 63

// DBPrefix is the prefix shared by every allocated database name. The
// reconciler uses it to scope its sweep of physical databases.
const DBPrefix = prefix + "_"

const (
	prefix = "tenant"
	suffix = "db"

	// hashLength is the width of the disambiguating suffix appended when
	// the subdomain component must be truncated. 8 hex chars of SHA-256
	// keeps distinct subdomains distinct without burning much of the
	// identifier budget.
	hashLength = 8
)

// Sentinel errors for allocation failures
var (
	ErrInvalidSubdomain = errors.New("invalid subdomain")
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// subdomainPattern matches lowercase alphanumeric segments separated by
// single hyphens, with no leading or trailing hyphen.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSubdomain checks the subdomain format invariant: 3-63 chars,
// lowercase alphanumeric segments separated by single hyphens.
func ValidateSubdomain(subdomain string) error {
	if len(subdomain) < 3 || len(subdomain) > 63 {
		return fmt.Errorf("%w: %q must be between 3 and 63 characters", ErrInvalidSubdomain, subdomain)
	}
	if !subdomainPattern.MatchString(subdomain) {
		return fmt.Errorf("%w: %q must be lowercase alphanumeric with single hyphen separators", ErrInvalidSubdomain, subdomain)
	}
	return nil
}

// Allocate builds the physical database name for a subdomain within a
// namespace: tenant_<subdomain>_<namespace>_db, with hyphens mapped to
// underscores and the whole identifier bounded to MaxIdentifierLength.
//
// When the subdomain component has to be truncated to fit, its tail is
// replaced with a fixed-width hash of the full subdomain, so two distinct
// subdomains sharing a long common prefix can never allocate the same
// name. Repeated calls with identical inputs always return the identical
// name.
func Allocate(subdomain, namespace string) (string, error) {
	if err := ValidateSubdomain(subdomain); err != nil {
		return "", err
	}

	ns := sanitizeNamespace(namespace)
	if ns == "" {
		return "", fmt.Errorf("%w: %q yields no usable identifier characters", ErrInvalidNamespace, namespace)
	}

	component := strings.ReplaceAll(subdomain, "-", "_")

	// Budget for the subdomain component once the fixed parts are placed.
	budget := MaxIdentifierLength - len(prefix) - len(ns) - len(suffix) - 3 // three joining underscores
	if budget < hashLength {
		return "", fmt.Errorf("%w: %q leaves no room for the subdomain component", ErrInvalidNamespace, namespace)
	}

	if len(component) > budget {
		sum := sha256.Sum256([]byte(subdomain))
		component = component[:budget-hashLength] + hex.EncodeToString(sum[:])[:hashLength]
	}

	return fmt.Sprintf("%s_%s_%s_%s", prefix, component, ns, suffix), nil
}

// sanitizeNamespace lowercases the namespace and maps separators to
// underscores, dropping anything else that is not a safe identifier
// character. The namespace is deploy-time configuration, so this is a
// convenience rather than a validation layer.
func sanitizeNamespace(namespace string) string {
	lowered := strings.ToLower(strings.TrimSpace(namespace))

	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-', r == ' ':
			b.WriteRune('_')
		}
	}

	ns := b.String()
	if len(ns) > 15 {
		ns = ns[:15]
	}
	return strings.Trim(ns, "_")
}
