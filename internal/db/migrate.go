package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/caseidx/caseidx/migrations"
)

// RunMigrations applies all pending schema migrations for the connection's
// dialect. Migration files are embedded in the binary, one directory per
// dialect, so deployments never depend on a migrations path on disk.
func RunMigrations(conn *Connection) error {
	src, err := iofs.New(migrations.FS, string(conn.Dialect))
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	var driver database.Driver
	switch conn.Dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(conn.DB, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite3.WithInstance(conn.DB, &sqlite3.Config{})
	default:
		return fmt.Errorf("no migration driver for dialect %q", conn.Dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(conn.Dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
