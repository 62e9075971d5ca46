package db

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

//go:embed migrations/*.sql
var schemaMigrations embed.FS

// runMigrations applies every embedded up-migration under migrations/
// against schema, scoped via postgres.Config.SchemaName so each run's
// schema carries its own version-tracking table. Grounded on
// cmd/prismctl/cmd/storage.go's iofs-source + migrate.NewWithInstance
// wiring, retargeted from the sqlite3 driver to postgres (via the pgx
// stdlib database/sql adapter) and from a single fixed database to one
// schema per run.
func runMigrations(dsn, schema string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "opening migration connection for schema %s", schema)
	}
	defer sqlDB.Close()

	sourceDriver, err := iofs.New(schemaMigrations, "migrations")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Bug, err, "loading embedded schema migrations")
	}

	dbDriver, err := postgres.WithInstance(sqlDB, &postgres.Config{SchemaName: schema})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "preparing migration driver for schema %s", schema)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating migrator for schema %s", schema)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return pkgerrors.Wrap(pkgerrors.Io, err, "running schema migrations for %s", schema)
	}
	return nil
}
