package store

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hcengine/integration-engine/internal/engineerr"
)

//go:embed migrations/*.sql
var coreMigrations embed.FS

// applyCoreMigrations runs the fixed core-table migrations (spec §4.1:
// "ensures core tables") via golang-migrate's iofs source driver against
// an already-open *sql.DB.
func applyCoreMigrations(db *sql.DB) error {
	src, err := iofs.New(coreMigrations, "migrations")
	if err != nil {
		return engineerr.SchemaWrap("load embedded migrations", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return engineerr.SchemaWrap("init postgres migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return engineerr.SchemaWrap("init migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return engineerr.SchemaWrap("apply core migrations", err)
	}
	return nil
}
