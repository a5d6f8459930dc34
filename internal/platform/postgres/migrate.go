package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const defaultMigrationsTable = "checkout_schema_migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies pending migrations. An empty path uses the migrations
// compiled into the binary; otherwise path is read through the file:// source.
func RunMigrations(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: defaultMigrationsTable})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}

	var m *migrate.Migrate
	if path = strings.TrimSpace(path); path != "" {
		m, err = migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	} else {
		source, srcErr := iofs.New(embeddedMigrations, "migrations")
		if srcErr != nil {
			return fmt.Errorf("postgres: migration source: %w", srcErr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	}
	if err != nil {
		return fmt.Errorf("postgres: migration init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}
