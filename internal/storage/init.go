package storage

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// migrations lists schema files per driver in apply order
var migrations = []string{
	"001_initial_schema.sql",
}

// EnsureDatabase creates the PostgreSQL database named in the connection
// string when it does not exist yet. SQLite creates its file on open.
func EnsureDatabase(ctx context.Context, driver, connectionString string) error {
	if driver != DriverPostgres {
		return nil
	}

	conn, err := pgx.Connect(ctx, connectionString)
	if err == nil {
		return conn.Close(ctx)
	}
	if !strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	cfg, err := pgx.ParseConfig(connectionString)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := cfg.Database
	if dbName == "" {
		return fmt.Errorf("no database name in connection string")
	}

	if err := createDatabase(ctx, cfg, dbName); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// createDatabase connects to the maintenance database and issues CREATE DATABASE
func createDatabase(ctx context.Context, cfg *pgx.ConnConfig, dbName string) error {
	admin := cfg.Copy()
	admin.Database = "postgres"

	conn, err := pgx.ConnectConfig(ctx, admin)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer conn.Close(ctx)

	// Cannot use parameterized query for CREATE DATABASE
	createSQL := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
	if _, err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to execute CREATE DATABASE: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema for the store's driver. Every
// statement is idempotent, so it is safe to run on each start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, name := range migrations {
		path := "migrations/" + s.driver + "/" + name
		body, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", path, err)
		}

		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", path, err)
			}
		}
	}
	return nil
}
