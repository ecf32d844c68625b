// Package tenant implements the provisioning orchestrator: the saga that
// takes a subdomain from "requested" to a registered tenant with a
// migrated physical database. The saga spans two independently-failing
// systems (the central metadata store and the tenant database server), so
// each step commits its own effect and later failures are handled with
// explicit status transitions and compensation rather than a transaction.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/saasforge/tenantd/internal/migrate"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/naming"
	"github.com/saasforge/tenantd/internal/provision"
	"github.com/saasforge/tenantd/internal/store"
)

// ResourceProvisioner is the slice of the provisioner the orchestrator
// needs: idempotent database creation plus the compensating quarantine.
type ResourceProvisioner interface {
	EnsureDatabase(ctx context.Context, dbName string) (provision.EnsureResult, error)
	QuarantineDatabase(ctx context.Context, dbName string) (string, error)
}

// MigrationRunner applies the versioned baseline schema to a named
// database. Apply must be idempotent.
type MigrationRunner interface {
	Apply(ctx context.Context, dbName string, targetVersion int) error
}

// RetryConfig bounds retries of transient provisioning and migration
// failures. Permanent failures are never retried.
type RetryConfig struct {
	// MaxTries caps attempts per step, first attempt included. Default: 3
	MaxTries uint

	// InitialInterval is the first backoff delay. Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay. Default: 5s
	MaxInterval time.Duration

	// Multiplier controls backoff growth. Default: 2.0
	Multiplier float64
}

// Config holds the orchestrator's explicit configuration. Nothing is read
// from process-wide state.
type Config struct {
	// Namespace is the fixed suffix component of allocated database
	// names, isolating deployments that share a database server.
	Namespace string

	// MigrationVersion is the target schema version for new tenant
	// databases. Zero means the latest embedded version.
	MigrationVersion int

	// ProvisionTimeout bounds each database-creation attempt. Default: 30s
	ProvisionTimeout time.Duration

	// MigrateTimeout bounds each migration attempt. A timeout here fails
	// the tenant rather than leaving it provisioning forever. Default: 2m
	MigrateTimeout time.Duration

	// Retry configures transient-error retries for steps that touch the
	// tenant database server.
	Retry RetryConfig
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = 30 * time.Second
	}
	if c.MigrateTimeout == 0 {
		c.MigrateTimeout = 2 * time.Minute
	}
	if c.Retry.MaxTries == 0 {
		c.Retry.MaxTries = 3
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
}

// CreateRequest describes one tenant-creation request. RequestedBy is the
// authenticated principal, recorded for attribution only; ownership of the
// organization has already been checked by the caller.
type CreateRequest struct {
	Name           string
	Subdomain      string
	OrganizationID uuid.UUID
	RequestedBy    uuid.UUID
}

// Outcome is the result of one provisioning run. Tenant is always set and
// persisted; when its status is failed, Cause carries the underlying
// error. Callers must inspect Status, not only the absence of an error.
type Outcome struct {
	Tenant *models.Tenant
	Cause  error
}

// Orchestrator composes the allocator, provisioner, record store and
// migration runner into the tenant-creation workflow.
type Orchestrator struct {
	cfg         Config
	tenants     store.TenantStore
	provisioner ResourceProvisioner
	migrator    MigrationRunner

	migrationVersion int
}

// NewOrchestrator creates an orchestrator with the given collaborators.
func NewOrchestrator(cfg Config, tenants store.TenantStore, provisioner ResourceProvisioner, migrator MigrationRunner) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	version := cfg.MigrationVersion
	if version == 0 {
		latest, err := migrate.LatestVersion()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve migration version: %w", err)
		}
		version = latest
	}

	return &Orchestrator{
		cfg:              cfg,
		tenants:          tenants,
		provisioner:      provisioner,
		migrator:         migrator,
		migrationVersion: version,
	}, nil
}

// Create runs the full saga synchronously and returns the persisted
// tenant. Validation and conflict failures return an error with no tenant
// row created; once the row exists, provisioning or migration failures are
// reported through the tenant's failed status instead.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Outcome, error) {
	t, err := o.provisionThroughPersist(ctx, req)
	if err != nil {
		return nil, err
	}

	return o.finishMigration(ctx, t), nil
}

// CreateAsync runs the saga up to and including the metadata insert, then
// finishes migration on a detached execution path. The returned tenant is
// in provisioning status; callers poll it until it reaches a terminal
// state. Request-level failures (validation, conflict) are still reported
// synchronously.
func (o *Orchestrator) CreateAsync(ctx context.Context, req CreateRequest) (*models.Tenant, error) {
	t, err := o.provisionThroughPersist(ctx, req)
	if err != nil {
		return nil, err
	}

	snapshot := *t

	// The migration must not die with the request context; it finishes on
	// its own timeout and records a terminal status either way.
	go func() {
		detached := context.WithoutCancel(ctx)
		o.finishMigration(detached, t)
	}()

	return &snapshot, nil
}

// provisionThroughPersist executes saga steps 1-4: validate, advisory
// subdomain check, allocate, create the physical database, and insert the
// metadata row in provisioning status.
func (o *Orchestrator) provisionThroughPersist(ctx context.Context, req CreateRequest) (*models.Tenant, error) {
	if err := naming.ValidateSubdomain(req.Subdomain); err != nil {
		return nil, err
	}

	// Advisory pre-check: a fast rejection before any expensive work. The
	// unique index on the store remains the actual guarantee; two
	// concurrent requests can both pass this check.
	if _, err := o.tenants.FindBySubdomain(ctx, req.Subdomain); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubdomainConflict, req.Subdomain)
	} else if !errors.Is(err, store.ErrTenantNotFound) {
		return nil, fmt.Errorf("failed to check subdomain availability: %w", err)
	}

	dbName, err := naming.Allocate(req.Subdomain, o.cfg.Namespace)
	if err != nil {
		return nil, err
	}

	result, err := o.ensureDatabase(ctx, dbName)
	if err != nil {
		// Nothing persisted yet, so there is nothing to compensate.
		return nil, fmt.Errorf("failed to provision tenant database: %w", err)
	}

	t := &models.Tenant{
		TenantID:       uuid.Must(uuid.NewV7()),
		Name:           req.Name,
		Subdomain:      req.Subdomain,
		DBName:         dbName,
		OrganizationID: req.OrganizationID,
		Status:         models.TenantStatusProvisioning,
	}

	if err := o.tenants.Insert(ctx, t); err != nil {
		switch {
		case errors.Is(err, store.ErrSubdomainTaken), errors.Is(err, store.ErrDBNameTaken):
			// Lost the insert race against a concurrent request. If this
			// run created the physical database and no registered tenant
			// claims it, it is an orphan and must be compensated. When the
			// winner allocated the same name (always true for the same
			// subdomain), the database is theirs and stays put.
			if result == provision.ResultCreated && !o.databaseClaimed(ctx, dbName) {
				o.compensateOrphan(ctx, dbName)
			}
			return nil, fmt.Errorf("%w: %s", ErrSubdomainConflict, req.Subdomain)
		case errors.Is(err, store.ErrOrganizationNotFound):
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, req.OrganizationID)
		default:
			// The physical database may be orphaned; the reconciliation
			// sweep picks it up after the grace period.
			return nil, fmt.Errorf("failed to persist tenant: %w", err)
		}
	}

	log.Info().
		Str("tenant_id", t.TenantID.String()).
		Str("subdomain", t.Subdomain).
		Str("db_name", t.DBName).
		Str("requested_by", req.RequestedBy.String()).
		Str("provision_result", result.String()).
		Msg("Tenant persisted, awaiting migration")

	return t, nil
}

// finishMigration executes saga step 5 and finalizes the tenant. Every
// path out of here records a terminal status; a tenant is never left in
// provisioning by a completed run.
func (o *Orchestrator) finishMigration(ctx context.Context, t *models.Tenant) *Outcome {
	if err := o.applyMigrations(ctx, t.DBName); err != nil {
		cause := fmt.Errorf("schema migration failed: %w", err)
		o.finalize(ctx, t, models.TenantStatusFailed, cause.Error())
		return &Outcome{Tenant: t, Cause: cause}
	}

	o.finalize(ctx, t, models.TenantStatusActive, "")
	return &Outcome{Tenant: t}
}

func (o *Orchestrator) finalize(ctx context.Context, t *models.Tenant, status models.TenantStatus, cause string) {
	err := o.tenants.UpdateStatus(ctx, t.TenantID, models.TenantStatusProvisioning, status, cause)
	if errors.Is(err, store.ErrStatusConflict) {
		// Another writer finalized first, typically the reconciler's stuck
		// sweep after a very slow migration. Terminal statuses are
		// immutable, so adopt whatever was persisted.
		persisted, getErr := o.tenants.Get(ctx, t.TenantID)
		if getErr != nil {
			log.Error().
				Err(getErr).
				Str("tenant_id", t.TenantID.String()).
				Msg("Failed to read tenant after losing finalize race")
			return
		}

		t.Status = persisted.Status
		t.StatusCause = persisted.StatusCause
		log.Warn().
			Str("tenant_id", t.TenantID.String()).
			Str("status", string(persisted.Status)).
			Str("intended", string(status)).
			Msg("Tenant was finalized concurrently, keeping persisted status")
		return
	}
	if err != nil {
		// The row stays in provisioning status; the reconciler's stuck
		// sweep will fail it after the threshold.
		log.Error().
			Err(err).
			Str("tenant_id", t.TenantID.String()).
			Str("status", string(status)).
			Msg("Failed to record terminal tenant status")
		return
	}

	t.Status = status
	t.StatusCause = cause

	evt := log.Info()
	if status == models.TenantStatusFailed {
		evt = log.Warn().Str("cause", cause)
	}
	evt.
		Str("tenant_id", t.TenantID.String()).
		Str("subdomain", t.Subdomain).
		Str("status", string(status)).
		Msg("Tenant provisioning finished")
}

// ensureDatabase runs EnsureDatabase with per-attempt timeouts, retrying
// transient failures within the configured bounds.
func (o *Orchestrator) ensureDatabase(ctx context.Context, dbName string) (provision.EnsureResult, error) {
	op := func() (provision.EnsureResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ProvisionTimeout)
		defer cancel()

		result, err := o.provisioner.EnsureDatabase(attemptCtx, dbName)
		if err != nil {
			if provision.IsTransient(err) {
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return result, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(o.cfg.Retry.MaxTries),
	)
}

// applyMigrations runs the migration step with per-attempt timeouts,
// retrying transient failures. Apply is idempotent, so a retry after a
// partial run continues where the previous attempt stopped.
func (o *Orchestrator) applyMigrations(ctx context.Context, dbName string) error {
	op := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.MigrateTimeout)
		defer cancel()

		if err := o.migrator.Apply(attemptCtx, dbName, o.migrationVersion); err != nil {
			if migrate.IsTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(o.cfg.Retry.MaxTries),
	)
	return err
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.Retry.InitialInterval
	b.MaxInterval = o.cfg.Retry.MaxInterval
	b.Multiplier = o.cfg.Retry.Multiplier
	return b
}

// databaseClaimed reports whether any registered tenant references the
// database name. On lookup failure it reports true: better to leave a
// possible orphan for the reconciliation sweep than to quarantine a
// database a tenant row points at.
func (o *Orchestrator) databaseClaimed(ctx context.Context, dbName string) bool {
	names, err := o.tenants.ListDBNames(ctx)
	if err != nil {
		log.Error().
			Err(err).
			Str("db_name", dbName).
			Msg("Failed to check database ownership before compensation")
		return true
	}

	for _, name := range names {
		if name == dbName {
			return true
		}
	}
	return false
}

// compensateOrphan quarantines a database this run created but could not
// register. Failure to quarantine is logged, not returned; the
// reconciliation sweep retries it.
func (o *Orchestrator) compensateOrphan(ctx context.Context, dbName string) {
	quarantined, err := o.provisioner.QuarantineDatabase(ctx, dbName)
	if err != nil {
		log.Error().
			Err(err).
			Str("db_name", dbName).
			Msg("Failed to quarantine orphaned database after lost race")
		return
	}

	log.Warn().
		Str("db_name", dbName).
		Str("quarantined_as", quarantined).
		Msg("Compensated lost provisioning race")
}

// Get returns a tenant by ID, including failed tenants with their cause.
func (o *Orchestrator) Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	return o.tenants.Get(ctx, tenantID)
}

// List returns all tenants for an organization, newest first. The caller
// has already established that the organization is visible to the
// principal.
func (o *Orchestrator) List(ctx context.Context, orgID uuid.UUID) ([]*models.Tenant, error) {
	return o.tenants.ListByOrganization(ctx, orgID)
}

// IsAvailable reports whether a subdomain is free. Advisory only: the
// answer can be stale by the time a creation request runs.
func (o *Orchestrator) IsAvailable(ctx context.Context, subdomain string) (bool, error) {
	if err := naming.ValidateSubdomain(subdomain); err != nil {
		return false, err
	}

	_, err := o.tenants.FindBySubdomain(ctx, subdomain)
	if errors.Is(err, store.ErrTenantNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check subdomain availability: %w", err)
	}
	return false, nil
}
