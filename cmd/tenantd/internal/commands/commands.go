package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/saasforge/tenantd/internal/logger"
	"github.com/saasforge/tenantd/internal/migrate"
	"github.com/saasforge/tenantd/internal/provision"
	"github.com/saasforge/tenantd/internal/store/postgres"
	"github.com/saasforge/tenantd/internal/tenant"
)

type Globals struct {
	Debug   bool
	Version string
}

func setupLogging(globals *Globals) {
	log.Logger = logger.Setup(globals.Debug)
}

// CentralFlags carries the connection to the central metadata store.
type CentralFlags struct {
	CentralDB string `help:"Central metadata store connection string" env:"TENANTD_CENTRAL_DB" default:"postgres://localhost:5432/tenantd_central?sslmode=disable"`
}

func (f *CentralFlags) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{ConnString: f.CentralDB})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to central store: %w", err)
	}
	return pool, nil
}

// EngineFlags carries everything the provisioning engine needs beyond the
// central store: the administrative endpoint and the deployment namespace.
type EngineFlags struct {
	CentralFlags
	AdminDB   string `help:"Server-level administrative connection string (maintenance database, elevated credentials)" env:"TENANTD_ADMIN_DB" default:"postgres://localhost:5432/postgres?sslmode=disable"`
	Namespace string `help:"Namespace suffix for allocated database names" env:"TENANTD_NAMESPACE" default:"saas"`
}

type engine struct {
	pool         *pgxpool.Pool
	provisioner  *provision.Provisioner
	tenants      *postgres.TenantStore
	orgs         *postgres.OrganizationStore
	orchestrator *tenant.Orchestrator
}

func (f *EngineFlags) buildEngine(ctx context.Context) (*engine, error) {
	pool, err := f.openPool(ctx)
	if err != nil {
		return nil, err
	}

	provisioner, err := provision.New(ctx, &provision.Config{AdminConnString: f.AdminDB})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to admin endpoint: %w", err)
	}

	runner, err := migrate.NewRunner(&migrate.Config{BaseConnString: f.AdminDB})
	if err != nil {
		provisioner.Close()
		pool.Close()
		return nil, err
	}

	tenants := postgres.NewTenantStore(pool)

	orchestrator, err := tenant.NewOrchestrator(tenant.Config{
		Namespace: f.Namespace,
	}, tenants, provisioner, runner)
	if err != nil {
		provisioner.Close()
		pool.Close()
		return nil, err
	}

	return &engine{
		pool:         pool,
		provisioner:  provisioner,
		tenants:      tenants,
		orgs:         postgres.NewOrganizationStore(pool),
		orchestrator: orchestrator,
	}, nil
}

func (e *engine) close() {
	e.provisioner.Close()
	e.pool.Close()
}
