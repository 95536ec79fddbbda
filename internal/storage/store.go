package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store provides registry, audit log and statistics persistence
type Store struct {
	db     *sql.DB
	driver string
}

// Config holds database configuration
type Config struct {
	Driver           string
	ConnectionString string
	MaxConnections   int32
	MinConnections   int32
	ConnectTimeout   time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a Store with the given configuration
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(int(cfg.MaxConnections))
		}
		if cfg.MinConnections > 0 {
			db.SetMaxIdleConns(int(cfg.MinConnections))
		}
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(cfg.ConnectionString))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite serialises writers; one connection also keeps :memory: databases alive
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: cfg.Driver}, nil
}

// sqliteDSN makes time values round-trip through TIMESTAMP columns
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite&_pragma=busy_timeout(5000)"
}

// Close closes the database handle
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health checks if the database connection is healthy
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Driver returns the configured driver name
func (s *Store) Driver() string {
	return s.driver
}

// withTx runs fn inside a transaction, rolling back on any error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// dbTime normalises timestamps so both drivers store and compare them identically
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
