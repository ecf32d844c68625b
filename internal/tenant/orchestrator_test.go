package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/migrate"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/naming"
	"github.com/saasforge/tenantd/internal/provision"
	"github.com/saasforge/tenantd/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeProvisioner records EnsureDatabase calls and serves a scripted
// sequence of errors before succeeding.
type fakeProvisioner struct {
	mu          sync.Mutex
	created     map[string]bool
	quarantined []string
	ensureErrs  []error
	attempts    int
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{created: make(map[string]bool)}
}

func (f *fakeProvisioner) EnsureDatabase(ctx context.Context, dbName string) (provision.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		return 0, err
	}

	if f.created[dbName] {
		return provision.ResultAlreadyExists, nil
	}
	f.created[dbName] = true
	return provision.ResultCreated, nil
}

func (f *fakeProvisioner) QuarantineDatabase(ctx context.Context, dbName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.quarantined = append(f.quarantined, dbName)
	delete(f.created, dbName)
	return provision.QuarantinePrefix + dbName, nil
}

// fakeMigrator serves a scripted sequence of errors before succeeding.
type fakeMigrator struct {
	mu       sync.Mutex
	applyErr []error
	applied  map[string]int
	attempts int
}

func newFakeMigrator() *fakeMigrator {
	return &fakeMigrator{applied: make(map[string]int)}
}

func (f *fakeMigrator) Apply(ctx context.Context, dbName string, targetVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if len(f.applyErr) > 0 {
		err := f.applyErr[0]
		f.applyErr = f.applyErr[1:]
		return err
	}
	f.applied[dbName] = targetVersion
	return nil
}

// insertFailingStore wraps a TenantStore, forcing Insert to fail with a
// fixed error. Used to simulate losing the uniqueness race.
type insertFailingStore struct {
	store.TenantStore
	insertErr error
}

func (s *insertFailingStore) Insert(ctx context.Context, t *models.Tenant) error {
	return s.insertErr
}

func testConfig() Config {
	return Config{
		Namespace:        "saas",
		MigrationVersion: 2,
		ProvisionTimeout: time.Second,
		MigrateTimeout:   time.Second,
		Retry: RetryConfig{
			MaxTries:        3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2.0,
		},
	}
}

func testRequest() CreateRequest {
	return CreateRequest{
		Name:           "Acme Labs",
		Subdomain:      "acme-labs",
		OrganizationID: uuid.Must(uuid.NewV7()),
		RequestedBy:    uuid.Must(uuid.NewV7()),
	}
}

func transientProvisionErr() error {
	return &provision.Error{Op: "ensure", DBName: "x", Transient: true, Err: errors.New("connection refused")}
}

func permanentProvisionErr() error {
	return &provision.Error{Op: "ensure", DBName: "x", Transient: false, Err: errors.New("permission denied")}
}

func TestOrchestratorCreate_Success(t *testing.T) {
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()
	provisioner := newFakeProvisioner()
	migrator := newFakeMigrator()

	o, err := NewOrchestrator(testConfig(), tenants, provisioner, migrator)
	require.NoError(t, err)

	outcome, err := o.Create(ctx, testRequest())
	require.NoError(t, err)
	require.Nil(t, outcome.Cause)
	require.Equal(t, models.TenantStatusActive, outcome.Tenant.Status)
	require.Equal(t, "tenant_acme_labs_saas_db", outcome.Tenant.DBName)

	// The persisted row matches the returned tenant.
	persisted, err := tenants.Get(ctx, outcome.Tenant.TenantID)
	require.NoError(t, err)
	require.Equal(t, models.TenantStatusActive, persisted.Status)
	require.Empty(t, persisted.StatusCause)

	require.True(t, provisioner.created["tenant_acme_labs_saas_db"])
	require.Equal(t, 2, migrator.applied["tenant_acme_labs_saas_db"])
}

func TestOrchestratorCreate_InvalidSubdomain(t *testing.T) {
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()
	provisioner := newFakeProvisioner()

	o, err := NewOrchestrator(testConfig(), tenants, provisioner, newFakeMigrator())
	require.NoError(t, err)

	req := testRequest()
	req.Subdomain = "Not-Valid"

	_, err = o.Create(ctx, req)
	require.ErrorIs(t, err, naming.ErrInvalidSubdomain)

	// Rejected before any I/O.
	require.Zero(t, provisioner.attempts)
}

func TestOrchestratorCreate_AdvisoryConflict(t *testing.T) {
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()
	provisioner := newFakeProvisioner()

	existing := &models.Tenant{
		TenantID:       uuid.Must(uuid.NewV7()),
		Name:           "Existing",
		Subdomain:      "acme-labs",
		DBName:         "tenant_acme_labs_saas_db",
		OrganizationID: uuid.New(),
		Status:         models.TenantStatusActive,
	}
	require.NoError(t, tenants.Insert(ctx, existing))

	o, err := NewOrchestrator(testConfig(), tenants, provisioner, newFakeMigrator())
	require.NoError(t, err)

	_, err = o.Create(ctx, testRequest())
	require.ErrorIs(t, err, ErrSubdomainConflict)
	require.Zero(t, provisioner.attempts)
}

func TestOrchestratorCreate_ProvisioningFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent failure aborts without retry", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		provisioner := newFakeProvisioner()
		provisioner.ensureErrs = []error{permanentProvisionErr()}

		o, err := NewOrchestrator(testConfig(), tenants, provisioner, newFakeMigrator())
		require.NoError(t, err)

		_, err = o.Create(ctx, testRequest())
		require.Error(t, err)

		var pErr *provision.Error
		require.ErrorAs(t, err, &pErr)
		require.False(t, pErr.Transient)
		require.Equal(t, 1, provisioner.attempts)

		// No tenant row was ever created.
		_, err = tenants.FindBySubdomain(ctx, "acme-labs")
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})

	t.Run("transient failures retried to success", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		provisioner := newFakeProvisioner()
		provisioner.ensureErrs = []error{transientProvisionErr(), transientProvisionErr()}

		o, err := NewOrchestrator(testConfig(), tenants, provisioner, newFakeMigrator())
		require.NoError(t, err)

		outcome, err := o.Create(ctx, testRequest())
		require.NoError(t, err)
		require.Equal(t, models.TenantStatusActive, outcome.Tenant.Status)
		require.Equal(t, 3, provisioner.attempts)
	})

	t.Run("transient failures exhaust retry budget", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		provisioner := newFakeProvisioner()
		provisioner.ensureErrs = []error{
			transientProvisionErr(), transientProvisionErr(), transientProvisionErr(),
		}

		o, err := NewOrchestrator(testConfig(), tenants, provisioner, newFakeMigrator())
		require.NoError(t, err)

		_, err = o.Create(ctx, testRequest())
		require.Error(t, err)
		require.Equal(t, 3, provisioner.attempts)

		_, err = tenants.FindBySubdomain(ctx, "acme-labs")
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})
}

func TestOrchestratorCreate_LostInsertRace(t *testing.T) {
	ctx := context.Background()

	t.Run("loser that created the database compensates", func(t *testing.T) {
		failing := &insertFailingStore{
			TenantStore: store.NewMemoryTenantStore(),
			insertErr:   store.ErrSubdomainTaken,
		}
		provisioner := newFakeProvisioner()

		o, err := NewOrchestrator(testConfig(), failing, provisioner, newFakeMigrator())
		require.NoError(t, err)

		_, err = o.Create(ctx, testRequest())
		require.ErrorIs(t, err, ErrSubdomainConflict)
		require.Equal(t, []string{"tenant_acme_labs_saas_db"}, provisioner.quarantined)
	})

	t.Run("loser that found an existing database does not compensate", func(t *testing.T) {
		failing := &insertFailingStore{
			TenantStore: store.NewMemoryTenantStore(),
			insertErr:   store.ErrSubdomainTaken,
		}
		provisioner := newFakeProvisioner()
		// The winner created it first; this run sees AlreadyExists.
		provisioner.created["tenant_acme_labs_saas_db"] = true

		o, err := NewOrchestrator(testConfig(), failing, provisioner, newFakeMigrator())
		require.NoError(t, err)

		_, err = o.Create(ctx, testRequest())
		require.ErrorIs(t, err, ErrSubdomainConflict)
		require.Empty(t, provisioner.quarantined)
	})
}

func TestOrchestratorCreate_MigrationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent failure finalizes as failed", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		migrator := newFakeMigrator()
		migrator.applyErr = []error{
			&migrate.Error{DBName: "tenant_acme_labs_saas_db", Version: 2, Transient: false, Err: errors.New("syntax error")},
		}

		o, err := NewOrchestrator(testConfig(), tenants, newFakeProvisioner(), migrator)
		require.NoError(t, err)

		// A failed migration is an outcome, not a request error: the
		// tenant resource exists and reports its failure through status.
		outcome, err := o.Create(ctx, testRequest())
		require.NoError(t, err)
		require.Equal(t, models.TenantStatusFailed, outcome.Tenant.Status)
		require.Error(t, outcome.Cause)
		require.Contains(t, outcome.Tenant.StatusCause, "schema migration failed")
		require.Equal(t, 1, migrator.attempts)

		persisted, err := tenants.Get(ctx, outcome.Tenant.TenantID)
		require.NoError(t, err)
		require.Equal(t, models.TenantStatusFailed, persisted.Status)
		require.NotEmpty(t, persisted.StatusCause)
	})

	t.Run("transient failures retried to success", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		migrator := newFakeMigrator()
		migrator.applyErr = []error{
			&migrate.Error{DBName: "x", Version: 2, Transient: true, Err: errors.New("connection reset")},
		}

		o, err := NewOrchestrator(testConfig(), tenants, newFakeProvisioner(), migrator)
		require.NoError(t, err)

		outcome, err := o.Create(ctx, testRequest())
		require.NoError(t, err)
		require.Equal(t, models.TenantStatusActive, outcome.Tenant.Status)
		require.Equal(t, 2, migrator.attempts)
	})

	t.Run("every terminal path leaves a terminal status", func(t *testing.T) {
		tenants := store.NewMemoryTenantStore()
		migrator := newFakeMigrator()
		migrator.applyErr = []error{
			&migrate.Error{DBName: "x", Version: 2, Transient: true, Err: errors.New("reset")},
			&migrate.Error{DBName: "x", Version: 2, Transient: true, Err: errors.New("reset")},
			&migrate.Error{DBName: "x", Version: 2, Transient: true, Err: errors.New("reset")},
		}

		o, err := NewOrchestrator(testConfig(), tenants, newFakeProvisioner(), migrator)
		require.NoError(t, err)

		outcome, err := o.Create(ctx, testRequest())
		require.NoError(t, err)
		require.True(t, outcome.Tenant.Status.Terminal())
		require.Equal(t, models.TenantStatusFailed, outcome.Tenant.Status)
	})
}

func TestOrchestratorCreateAsync(t *testing.T) {
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()
	migrator := newFakeMigrator()

	o, err := NewOrchestrator(testConfig(), tenants, newFakeProvisioner(), migrator)
	require.NoError(t, err)

	returned, err := o.CreateAsync(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, models.TenantStatusProvisioning, returned.Status)

	// The detached path finishes the migration and finalizes the row.
	require.Eventually(t, func() bool {
		persisted, err := tenants.Get(ctx, returned.TenantID)
		return err == nil && persisted.Status == models.TenantStatusActive
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestratorIsAvailable(t *testing.T) {
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()

	o, err := NewOrchestrator(testConfig(), tenants, newFakeProvisioner(), newFakeMigrator())
	require.NoError(t, err)

	available, err := o.IsAvailable(ctx, "acme-labs")
	require.NoError(t, err)
	require.True(t, available)

	outcome, err := o.Create(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, models.TenantStatusActive, outcome.Tenant.Status)

	available, err = o.IsAvailable(ctx, "ACME-LABS")
	require.NoError(t, err)
	require.False(t, available)

	_, err = o.IsAvailable(ctx, "x")
	require.ErrorIs(t, err, naming.ErrInvalidSubdomain)
}

func TestOrchestratorConcurrentSameSubdomain(t *testing.T) {
	// Two concurrent requests for the same subdomain: exactly one tenant
	// row persists, the loser reports a conflict, and no databases leak.
	ctx := context.Background()
	tenants := store.NewMemoryTenantStore()
	provisioner := newFakeProvisioner()
	migrator := newFakeMigrator()

	o, err := NewOrchestrator(testConfig(), tenants, provisioner, migrator)
	require.NoError(t, err)

	const workers = 2
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Create(ctx, testRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var conflicts, successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSubdomainConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	winner, err := tenants.FindBySubdomain(ctx, "acme-labs")
	require.NoError(t, err)
	require.True(t, winner.Status.Terminal())

	// Whether the loser was rejected by the advisory check or the insert
	// race, the winner's database must survive.
	require.True(t, provisioner.created[winner.DBName])
}

func TestOrchestratorCreate_OrganizationMissing(t *testing.T) {
	ctx := context.Background()
	failing := &insertFailingStore{
		TenantStore: store.NewMemoryTenantStore(),
		insertErr:   store.ErrOrganizationNotFound,
	}

	o, err := NewOrchestrator(testConfig(), failing, newFakeProvisioner(), newFakeMigrator())
	require.NoError(t, err)

	_, err = o.Create(ctx, testRequest())
	require.ErrorIs(t, err, ErrOrganizationNotFound)
}

func TestOrchestratorConfigDefaults(t *testing.T) {
	cfg := Config{Namespace: "saas"}
	cfg.ApplyDefaults()

	require.Equal(t, 30*time.Second, cfg.ProvisionTimeout)
	require.Equal(t, 2*time.Minute, cfg.MigrateTimeout)
	require.Equal(t, uint(3), cfg.Retry.MaxTries)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.InitialInterval)

	t.Run("namespace required", func(t *testing.T) {
		bad := Config{}
		bad.ApplyDefaults()
		require.Error(t, bad.Validate())
	})

	t.Run("zero migration version resolves to latest embedded", func(t *testing.T) {
		o, err := NewOrchestrator(Config{Namespace: "saas"},
			store.NewMemoryTenantStore(), newFakeProvisioner(), newFakeMigrator())
		require.NoError(t, err)
		require.Equal(t, 2, o.migrationVersion)
	})
}
