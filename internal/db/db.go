// Package db implements the relational database wrapper resource
// (spec.md §4.3): one resource backed by a pooled Postgres connection,
// multiplexing SchemaAware/MetaWrite/MetaRead/EnvWrite capabilities by
// usage type, each wrapper holding one pooled connection for its
// lifetime. Grounded on pkg/drivers/postgres's pgxpool.Pool usage,
// generalized from a single flat keyvalue table to the schema-per-run
// layout spec.md §3.4 requires.
package db

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rainco77/evochora-pipeline/internal/db/strategy"
	"github.com/rainco77/evochora-pipeline/internal/metrics"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// Options configures a Postgres-backed DB resource.
type Options struct {
	DSN          string `yaml:"dsn"`
	PoolSize     int    `yaml:"poolSize"`
	EnvStrategy  string `yaml:"envStrategy"` // strategy.Registry key; "" -> single-blob
}

// DB is the relational database resource. Wrap dispatches to a
// capability-specific wrapper per usage type; every wrapper is
// SchemaAware and must have SetRun called before any other operation.
type DB struct {
	resource.Tracker

	name       string
	dsn        string
	pool       *pgxpool.Pool
	strategies *strategy.Registry
	envStrat   strategy.EnvStrategy
	state      resource.UsageState
	metrics    *metrics.Registry
	prom       *metrics.PromVectors
}

// New opens a pgxpool.Pool against opts.DSN and verifies connectivity.
func New(name string, opts Options) (*DB, error) {
	if opts.DSN == "" {
		return nil, pkgerrors.ConfigErrorf("database %q requires dsn", name)
	}
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Config, err, "parsing dsn for database %s", name)
	}
	if opts.PoolSize > 0 {
		poolCfg.MaxConns = int32(opts.PoolSize)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "creating pool for database %s", name)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "pinging database %s", name)
	}

	strategies := strategy.NewRegistry()
	envStrat, err := strategies.Get(opts.EnvStrategy)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &DB{
		name:       name,
		dsn:        opts.DSN,
		pool:       pool,
		strategies: strategies,
		envStrat:   envStrat,
		state:      resource.Active,
		metrics:    metrics.NewRegistry(),
		prom:       metrics.NewPromVectors("db_" + name),
	}
	slog.Info("database opened", "name", name, "envStrategy", envStrat.Name())
	return d, nil
}

func (d *DB) Name() string { return d.name }

func (d *DB) UsageState(usageType string) resource.UsageState { return d.state }

func (d *DB) Metrics() map[string]any { return d.metrics.Snapshot() }

// Wrap dispatches on usage type to the capability-specific wrapper.
func (d *DB) Wrap(ctx resource.Context) (resource.Wrapped, error) {
	switch ctx.UsageType {
	case resource.DBMetaWrite:
		return d.newMetaWriter(ctx)
	case resource.DBMetaRead:
		return d.newMetaReader(ctx)
	case resource.DBEnvWrite:
		return d.newEnvWriter(ctx)
	default:
		return nil, resource.UnrecognisedUsageType(d.name, ctx.UsageType)
	}
}

func (d *DB) Close() error {
	d.state = resource.Closed
	err := d.Tracker.CloseAll()
	d.pool.Close()
	slog.Info("database closed", "name", d.name)
	return err
}

var _ resource.Resource = (*DB)(nil)

// schemaName sanitises a run id into a Postgres schema identifier the
// same way model.SchemaName does for blob/topic naming, so the three
// subsystems never disagree on what a run's schema is called.
func schemaName(runID string) string { return model.SchemaName(runID) }

// ensureSchema creates schema if it does not exist, then brings it up to
// date with every embedded up-migration (runMigrations in migrations.go).
// The raw CREATE SCHEMA runs first because golang-migrate's postgres
// driver expects its target schema to already exist before it can create
// its own version-tracking table inside it.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool, dsn, schema string) error {
	_, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdent(schema))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating schema %s", schema)
	}
	return runMigrations(dsn, schema)
}

// quoteIdent double-quotes schema identifiers derived from model.SchemaName
// (alphanumeric plus underscore only, never attacker-controlled SQL), the
// same conservative approach the teacher's migration code uses for DDL
// built from config-supplied names.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// pgxQuerier adapts a pgxpool.Conn (held for one wrapper's lifetime) to
// strategy.Querier, rebinding "?" placeholders to pgx's positional "$N"
// syntax so strategy.go stays backend-agnostic.
type pgxQuerier struct {
	conn   *pgxpool.Conn
	schema string
}

func (q *pgxQuerier) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := q.conn.Exec(ctx, rebindSchema(sql, q.schema), args...)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}
	return nil
}

// rebindSchema rewrites "?" placeholders into pgx's "$1, $2, ..." form
// and prefixes the table name with schema.table, since strategy.go
// builds statements against a bare table name.
func rebindSchema(sql, schema string) string {
	sql = strings.Replace(sql, "CREATE TABLE IF NOT EXISTS ", "CREATE TABLE IF NOT EXISTS "+quoteIdent(schema)+".", 1)
	sql = strings.Replace(sql, "INSERT INTO ", "INSERT INTO "+quoteIdent(schema)+".", 1)

	var b strings.Builder
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
