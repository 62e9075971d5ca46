// Package sqlitedb is the second EnvWrite/MetaWrite/MetaRead backend
// spec.md §9's "dynamic class loading by name" design calls for a
// database wrapper to be pluggable over: a modernc.org/sqlite-backed
// implementation usable in local dev and tests without a Postgres
// instance, selected by the same className-style factory mechanism as
// internal/db's Postgres implementation. Since sqlite has no schema
// namespace, schema-per-run isolation is realized by prefixing every
// table name with the sanitised run id instead of a SQL schema.
package sqlitedb

import (
	"context"
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/rainco77/evochora-pipeline/internal/db/strategy"
	"github.com/rainco77/evochora-pipeline/internal/metrics"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// Options configures a sqlite-backed DB resource.
type Options struct {
	DBPath      string `yaml:"dbPath"`
	EnvStrategy string `yaml:"envStrategy"`
}

// DB is the sqlite-backed relational database resource, the same
// capability-by-usage-type shape as internal/db.DB.
type DB struct {
	resource.Tracker

	name       string
	db         *sql.DB
	strategies *strategy.Registry
	envStrat   strategy.EnvStrategy
	state      resource.UsageState
	metrics    *metrics.Registry
	prom       *metrics.PromVectors
}

func New(name string, opts Options) (*DB, error) {
	if opts.DBPath == "" {
		return nil, pkgerrors.ConfigErrorf("sqlite database %q requires dbPath", name)
	}
	sqldb, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Config, err, "opening sqlite database %s", opts.DBPath)
	}
	sqldb.SetMaxOpenConns(1) // single connection shared by every wrapper

	strategies := strategy.NewRegistry()
	envStrat, err := strategies.Get(opts.EnvStrategy)
	if err != nil {
		sqldb.Close()
		return nil, err
	}

	d := &DB{
		name:       name,
		db:         sqldb,
		strategies: strategies,
		envStrat:   envStrat,
		state:      resource.Active,
		metrics:    metrics.NewRegistry(),
		prom:       metrics.NewPromVectors("sqlitedb_" + name),
	}
	slog.Info("sqlite database opened", "name", name, "dbPath", opts.DBPath, "envStrategy", envStrat.Name())
	return d, nil
}

func (d *DB) Name() string { return d.name }

func (d *DB) UsageState(usageType string) resource.UsageState { return d.state }

func (d *DB) Metrics() map[string]any { return d.metrics.Snapshot() }

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
	if cerr := d.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	slog.Info("sqlite database closed", "name", d.name)
	return err
}

var _ resource.Resource = (*DB)(nil)

// runPrefix sanitises a run id into the table-name prefix that
// substitutes for a SQL schema (sqlite has no per-connection schema
// switch worth the complexity here).
func runPrefix(runID string) string { return model.SchemaName(runID) }

// sqlQuerier adapts *sql.DB/*sql.Tx to strategy.Querier, table-prefixing
// every statement with the bound run's prefix. sqlite already uses "?"
// placeholders, so no rebinding is needed here (unlike the pgx backend).
type sqlQuerier struct {
	exec   func(ctx context.Context, query string, args ...any) (sql.Result, error)
	prefix string
}

func (q *sqlQuerier) Exec(ctx context.Context, query string, args ...any) error {
	_, err := q.exec(ctx, prefixTable(query, q.prefix), args...)
	return err
}

// prefixTable rewrites the bare table name strategy.go emits into
// "<prefix>_<table>", since sqlite tables live in one flat namespace.
func prefixTable(sql, prefix string) string {
	return replaceTableRef(sql, "env_ticks", prefix+"_env_ticks", "metadata", prefix+"_metadata")
}

func replaceTableRef(sql, a, aRepl, b, bRepl string) string {
	out := sql
	out = replaceFirst(out, "EXISTS "+a, "EXISTS "+aRepl)
	out = replaceFirst(out, "INTO "+a, "INTO "+aRepl)
	out = replaceFirst(out, "EXISTS "+b, "EXISTS "+bRepl)
	out = replaceFirst(out, "INTO "+b, "INTO "+bRepl)
	return out
}

func replaceFirst(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
