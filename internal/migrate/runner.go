// Package migrate applies the versioned baseline schema to tenant
// databases. The migration set is embedded in the binary; applied versions
// are tracked in a schema_migrations table inside each tenant database, so
// re-applying after a crash is a no-op.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Error describes a failed migration. Transient errors are safe to retry;
// permanent errors (bad SQL, privileges) need operator intervention.
type Error struct {
	DBName    string
	Version   int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("migrating %s to version %d (%s): %v", e.DBName, e.Version, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable migration error.
func IsTransient(err error) bool {
	var mErr *Error
	return errors.As(err, &mErr) && mErr.Transient
}

// Config holds configuration for the migration runner.
type Config struct {
	// BaseConnString is a server-level connection string whose database
	// component is replaced per Apply call with the tenant's db_name.
	BaseConnString string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseConnString == "" {
		return fmt.Errorf("base connection string is required")
	}
	if _, err := pgx.ParseConfig(c.BaseConnString); err != nil {
		return fmt.Errorf("invalid base connection string: %w", err)
	}
	return nil
}

// Runner applies the embedded migration set to named tenant databases.
type Runner struct {
	cfg *Config
}

// NewRunner creates a migration runner.
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runner config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Runner{cfg: cfg}, nil
}

// LatestVersion returns the highest version in the embedded migration set.
func LatestVersion() (int, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		return 0, fmt.Errorf("embedded migration set is empty")
	}
	return migrations[len(migrations)-1].version, nil
}

// Apply brings the named database to targetVersion, running each pending
// migration in its own transaction. A database already at or past the
// target is a no-op success, so the orchestrator can retry Apply after a
// crash mid-migration. A target above the highest embedded migration fails
// permanently before any connection is made.
func (r *Runner) Apply(ctx context.Context, dbName string, targetVersion int) error {
	migrations, err := loadMigrations()
	if err != nil {
		return &Error{DBName: dbName, Version: targetVersion, Transient: false, Err: err}
	}

	// A target beyond the embedded set can never be reached; succeeding
	// silently would report a schema version the database does not have.
	if len(migrations) == 0 || targetVersion > migrations[len(migrations)-1].version {
		highest := 0
		if len(migrations) > 0 {
			highest = migrations[len(migrations)-1].version
		}
		return &Error{DBName: dbName, Version: targetVersion, Transient: false,
			Err: fmt.Errorf("target version %d exceeds highest embedded migration %d", targetVersion, highest)}
	}

	connConfig, err := pgx.ParseConfig(r.cfg.BaseConnString)
	if err != nil {
		return &Error{DBName: dbName, Version: targetVersion, Transient: false, Err: err}
	}
	connConfig.Database = dbName

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return classify(dbName, targetVersion, err)
	}
	defer conn.Close(ctx)

	if err := ensureTrackingTable(ctx, conn); err != nil {
		return classify(dbName, targetVersion, err)
	}

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return classify(dbName, targetVersion, err)
	}

	if current >= targetVersion {
		log.Debug().
			Str("db_name", dbName).
			Int("current", current).
			Int("target", targetVersion).
			Msg("Tenant schema already at target version")
		return nil
	}

	for _, m := range migrations {
		if m.version <= current || m.version > targetVersion {
			continue
		}
		if err := applyOne(ctx, conn, dbName, m); err != nil {
			return err
		}
	}

	log.Info().
		Str("db_name", dbName).
		Int("version", targetVersion).
		Msg("Tenant schema migrated")
	return nil
}

type migration struct {
	version int
	name    string
	content string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}

		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			version: version,
			name:    entry.Name(),
			content: string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

func ensureTrackingTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func currentVersion(ctx context.Context, conn *pgx.Conn) (int, error) {
	var version int
	err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// applyOne runs a single migration and records it in the same transaction,
// so a crash mid-migration leaves the version table consistent with the
// schema.
func applyOne(ctx context.Context, conn *pgx.Conn, dbName string, m migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return classify(dbName, m.version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	log.Info().
		Str("db_name", dbName).
		Int("version", m.version).
		Str("name", m.name).
		Msg("Applying tenant migration")

	if _, err := tx.Exec(ctx, m.content); err != nil {
		return classify(dbName, m.version, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return classify(dbName, m.version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(dbName, m.version, err)
	}

	return nil
}

// classify wraps err as a migration Error, deciding retryability from the
// PostgreSQL error code or context state.
func classify(dbName string, version int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{DBName: dbName, Version: version, Transient: true, Err: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return &Error{DBName: dbName, Version: version, Transient: true, Err: err}
	}

	switch pgErr.Code {
	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.TooManyConnections,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.QueryCanceled,
		pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.LockNotAvailable:
		return &Error{DBName: dbName, Version: version, Transient: true, Err: err}

	default:
		return &Error{DBName: dbName, Version: version, Transient: false, Err: err}
	}
}
