// Package provision creates and inspects physical tenant databases through
// an administrative PostgreSQL endpoint. The admin connection is
// server-scoped and shared by all concurrent provisioning requests; it is
// never used for tenant-scoped queries.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// EnsureResult reports what EnsureDatabase did.
type EnsureResult int

const (
	// ResultCreated means the database did not exist and was created.
	ResultCreated EnsureResult = iota
	// ResultAlreadyExists means the database was already present. This is
	// a success, not an error, so crashed or racing provisioning runs can
	// retry safely.
	ResultAlreadyExists
)

func (r EnsureResult) String() string {
	switch r {
	case ResultCreated:
		return "created"
	case ResultAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// QuarantinePrefix marks physical databases set aside by compensation or
// reconciliation. Quarantined databases are left for operator review
// instead of being dropped.
const QuarantinePrefix = "quarantine_"

// Error describes a failed provisioning action. Transient errors
// (connectivity, resource pressure) are safe to retry; permanent errors
// (permissions, malformed names) need operator intervention.
type Error struct {
	Op        string
	DBName    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provisioning %s %s (%s): %v", e.Op, e.DBName, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable provisioning error.
func IsTransient(err error) bool {
	var pErr *Error
	return errors.As(err, &pErr) && pErr.Transient
}

// identifierPattern is the subset of PostgreSQL identifiers the allocator
// produces. Anything else is rejected before touching the server.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds configuration for the administrative endpoint.
type Config struct {
	// AdminConnString is the server-level connection string with
	// credentials allowed to run CREATE DATABASE. It must point at a
	// maintenance database (e.g. postgres), never a tenant database.
	AdminConnString string

	// MaxConns caps the shared admin pool. Default: 5
	MaxConns int32

	// ConnectTimeout is the maximum time to wait for a connection (in seconds).
	// Default: 10
	ConnectTimeout int32
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.AdminConnString == "" {
		return fmt.Errorf("admin connection string is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10
	}
}

// Provisioner executes database-level DDL against the admin endpoint.
type Provisioner struct {
	pool *pgxpool.Pool
}

// New creates a Provisioner with its own pooled connection to the admin
// endpoint.
func New(ctx context.Context, cfg *Config) (*Provisioner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provisioner config is required")
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provisioner config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.AdminConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin pool: %w", err)
	}

	return &Provisioner{pool: pool}, nil
}

// Close releases the admin pool.
func (p *Provisioner) Close() {
	p.pool.Close()
}

// EnsureDatabase creates the named database if it does not already exist.
// Creation uses a fixed policy: UTF8 encoding with C collation from
// template0, so every tenant database starts from the same deterministic
// state. The operation is idempotent; an existing database yields
// ResultAlreadyExists. CREATE DATABASE is not transactional with anything
// else, which is why the orchestrator treats this as the first leg of a
// saga rather than part of an atomic transaction.
func (p *Provisioner) EnsureDatabase(ctx context.Context, dbName string) (EnsureResult, error) {
	if !identifierPattern.MatchString(dbName) || len(dbName) > 63 {
		return 0, &Error{Op: "ensure", DBName: dbName, Transient: false,
			Err: fmt.Errorf("malformed database name")}
	}

	exists, err := p.databaseExists(ctx, dbName)
	if err != nil {
		return 0, classify("ensure", dbName, err)
	}
	if exists {
		log.Debug().Str("db_name", dbName).Msg("Database already exists")
		return ResultAlreadyExists, nil
	}

	create := fmt.Sprintf(
		`CREATE DATABASE %s TEMPLATE template0 ENCODING 'UTF8' LC_COLLATE 'C' LC_CTYPE 'C'`,
		pgx.Identifier{dbName}.Sanitize(),
	)
	if _, err := p.pool.Exec(ctx, create); err != nil {
		// A concurrent request for the same subdomain computes the same
		// name and may create it first. That is the idempotent no-op case.
		if pgErrCode(err) == pgerrcode.DuplicateDatabase {
			log.Debug().Str("db_name", dbName).Msg("Database created concurrently")
			return ResultAlreadyExists, nil
		}
		return 0, classify("ensure", dbName, err)
	}

	log.Info().Str("db_name", dbName).Msg("Created tenant database")
	return ResultCreated, nil
}

// ListDatabases returns the names of all databases starting with prefix.
// The reconciler uses this to find physical databases with no matching
// tenant row.
func (p *Provisioner) ListDatabases(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT datname FROM pg_database WHERE datname LIKE $1 || '%' ORDER BY datname`, prefix)
	if err != nil {
		return nil, classify("list", prefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list", prefix, err)
	}

	return names, nil
}

// QuarantineDatabase renames an orphaned database out of the tenant
// namespace so it can never collide with a future allocation. The rename
// fails while sessions are connected; callers retry on the next sweep.
func (p *Provisioner) QuarantineDatabase(ctx context.Context, dbName string) (string, error) {
	if !identifierPattern.MatchString(dbName) {
		return "", &Error{Op: "quarantine", DBName: dbName, Transient: false,
			Err: fmt.Errorf("malformed database name")}
	}

	quarantined := quarantineName(dbName)

	rename := fmt.Sprintf(`ALTER DATABASE %s RENAME TO %s`,
		pgx.Identifier{dbName}.Sanitize(),
		pgx.Identifier{quarantined}.Sanitize(),
	)
	if _, err := p.pool.Exec(ctx, rename); err != nil {
		if pgErrCode(err) == pgerrcode.InvalidCatalogName {
			// Already gone; nothing left to quarantine.
			return "", nil
		}
		return "", classify("quarantine", dbName, err)
	}

	log.Warn().Str("db_name", dbName).Str("quarantined_as", quarantined).Msg("Quarantined orphaned database")
	return quarantined, nil
}

// quarantineName prefixes dbName with QuarantinePrefix. When the result
// exceeds the 63-char identifier limit, the tail is replaced with a short
// hash of the original name so long names that share a prefix still map
// to distinct quarantine names.
func quarantineName(dbName string) string {
	quarantined := QuarantinePrefix + dbName
	if len(quarantined) <= 63 {
		return quarantined
	}

	sum := sha256.Sum256([]byte(dbName))
	return quarantined[:63-quarantineHashLength] + hex.EncodeToString(sum[:])[:quarantineHashLength]
}

// quarantineHashLength is the width of the disambiguating suffix on
// truncated quarantine names.
const quarantineHashLength = 8

// DropDatabase removes a database outright. Provisioning never calls this
// for tenant databases; it exists for operator tooling against quarantined
// names.
func (p *Provisioner) DropDatabase(ctx context.Context, dbName string) error {
	if !identifierPattern.MatchString(dbName) {
		return &Error{Op: "drop", DBName: dbName, Transient: false,
			Err: fmt.Errorf("malformed database name")}
	}

	drop := fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, pgx.Identifier{dbName}.Sanitize())
	if _, err := p.pool.Exec(ctx, drop); err != nil {
		return classify("drop", dbName, err)
	}

	log.Warn().Str("db_name", dbName).Msg("Dropped database")
	return nil
}

func (p *Provisioner) databaseExists(ctx context.Context, dbName string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// classify wraps err as a provisioning Error, deciding retryability from
// the PostgreSQL error code or context state.
func classify(op, dbName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Op: op, DBName: dbName, Transient: true, Err: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Network-level failures reach us as generic errors.
		return &Error{Op: op, DBName: dbName, Transient: true, Err: err}
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
		pgerrcode.QueryCanceled:
		return &Error{Op: op, DBName: dbName, Transient: true, Err: err}

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory:
		return &Error{Op: op, DBName: dbName, Transient: true, Err: err}

	default:
		// Privilege, syntax, quota and catalog errors won't heal on retry.
		return &Error{Op: op, DBName: dbName, Transient: false, Err: err}
	}
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
