//go:build integration

package migrate

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/saasforge/tenantd/internal/provision"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRunner(t *testing.T, ctx context.Context) (*Runner, *provision.Provisioner, string, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://admin:admin@%s:%s/postgres?sslmode=disable", host, port.Port())

	p, err := provision.New(ctx, &provision.Config{AdminConnString: connString})
	require.NoError(t, err)

	runner, err := NewRunner(&Config{BaseConnString: connString})
	require.NoError(t, err)

	cleanup := func() {
		p.Close()
		_ = container.Terminate(ctx)
	}

	return runner, p, connString, cleanup
}

func tenantTableNames(t *testing.T, ctx context.Context, connString, dbName string) []string {
	t.Helper()

	cfg, err := pgx.ParseConfig(connString)
	require.NoError(t, err)
	cfg.Database = dbName

	conn, err := pgx.ConnectConfig(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestIntegration_Apply(t *testing.T) {
	ctx := context.Background()
	runner, p, connString, cleanup := setupRunner(t, ctx)
	defer cleanup()

	latest, err := LatestVersion()
	require.NoError(t, err)
	require.GreaterOrEqual(t, latest, 2)

	_, err = p.EnsureDatabase(ctx, "tenant_acme_saas_db")
	require.NoError(t, err)

	t.Run("applies the full baseline", func(t *testing.T) {
		err := runner.Apply(ctx, "tenant_acme_saas_db", latest)
		require.NoError(t, err)

		tables := tenantTableNames(t, ctx, connString, "tenant_acme_saas_db")
		require.Contains(t, tables, "schema_migrations")
		require.Contains(t, tables, "tenant_settings")
		require.Contains(t, tables, "app_users")
		require.Contains(t, tables, "audit_log")
	})

	t.Run("reapplying is a no-op", func(t *testing.T) {
		err := runner.Apply(ctx, "tenant_acme_saas_db", latest)
		require.NoError(t, err)
	})

	t.Run("partial then full", func(t *testing.T) {
		_, err := p.EnsureDatabase(ctx, "tenant_partial_saas_db")
		require.NoError(t, err)

		// Stop at version 1: the audit log from version 2 must not exist.
		err = runner.Apply(ctx, "tenant_partial_saas_db", 1)
		require.NoError(t, err)

		tables := tenantTableNames(t, ctx, connString, "tenant_partial_saas_db")
		require.Contains(t, tables, "tenant_settings")
		require.NotContains(t, tables, "audit_log")

		// A later run continues from the recorded version.
		err = runner.Apply(ctx, "tenant_partial_saas_db", latest)
		require.NoError(t, err)

		tables = tenantTableNames(t, ctx, connString, "tenant_partial_saas_db")
		require.Contains(t, tables, "audit_log")
	})

	t.Run("missing database is not transient", func(t *testing.T) {
		err := runner.Apply(ctx, "tenant_missing_saas_db", latest)
		require.Error(t, err)
		require.False(t, IsTransient(err))
	})
}
