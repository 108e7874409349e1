package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"stratlab/internal/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations for the connection's driver
type Migrator struct {
	migrate *migrate.Migrate
	src     source.Driver
	log     logger.Logger
}

// NewMigrator creates a migrator on db. Closing the migrator leaves db open.
func NewMigrator(db *DB) (*Migrator, error) {
	var (
		driver database.Driver
		err    error
	)
	switch db.Driver() {
	case DriverPostgres:
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("no migrations for driver %q", db.Driver())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", db.Driver(), err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(db.Driver()))
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(db.Driver()), driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return &Migrator{migrate: m, src: src, log: db.log}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	m.log.Info("Database migrations completed")
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	m.log.Info("Database migrations rolled back")
	return nil
}

// Steps applies n migrations, rolling back when n is negative
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil {
		return fmt.Errorf("failed to step %d migrations: %w", n, err)
	}
	return nil
}

// Version returns the current migration version, 0 before the first migration
func (m *Migrator) Version() (uint, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is in dirty state at version %d", version)
	}
	return version, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version: %w", err)
	}
	m.log.Warn("Forced migration version", "version", version)
	return nil
}

// Close releases the migration source. The database driver is not closed
// because it shares the caller's connection pool.
func (m *Migrator) Close() error {
	return m.src.Close()
}
