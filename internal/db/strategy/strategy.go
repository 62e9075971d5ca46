// Package strategy implements the pluggable EnvWrite storage strategies
// spec.md §4.3.1 calls for: the table layout and write statement a
// database wrapper uses for tick data are selected by configuration and
// loaded by name, the same "dynamic class loading by name" design the
// teacher's plugin registry uses for backends (pkg/plugin/registry.go).
package strategy

import (
	"context"
	"encoding/json"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// Querier is the minimal subset of pgx's and database/sql's execution
// surface both backend implementations can satisfy, so a strategy is
// written once and used by both internal/db and internal/db/sqlitedb.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// EnvStrategy owns the env-tick table's layout and the MERGE-equivalent
// upsert that writes a batch of ticks (spec.md §4.3.1). The statements
// are not batched: WriteTicks issues one upsert per tick (or per cell),
// and the caller's transaction makes the whole batch one commit.
// Selecting a different EnvStrategy changes storage shape without
// touching the indexer or the broker at all.
type EnvStrategy interface {
	// Name identifies this strategy for the config registry.
	Name() string
	// CreateTable issues the DDL for schemaName.env_ticks (or whatever
	// table(s) this strategy uses), idempotently.
	CreateTable(ctx context.Context, q Querier, schemaTable string, dimensions int64) error
	// WriteTicks persists every tick in ticks as one batch, upserting by
	// natural key so redelivery of the same batch is a no-op (spec.md
	// §4.3.3).
	WriteTicks(ctx context.Context, q Querier, schemaTable string, ticks []model.TickData) error
}

// Registry is the string-keyed factory table spec.md §9 describes for
// strategy selection by configuration name.
type Registry struct {
	strategies map[string]EnvStrategy
}

func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]EnvStrategy)}
	r.Register(SingleBlobStrategy{})
	r.Register(RowPerCellStrategy{})
	return r
}

func (r *Registry) Register(s EnvStrategy) { r.strategies[s.Name()] = s }

func (r *Registry) Get(name string) (EnvStrategy, error) {
	if name == "" {
		name = "single-blob"
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, pkgerrors.ConfigErrorf("unknown env write strategy %q", name)
	}
	return s, nil
}

// SingleBlobStrategy is the mandatory default (spec.md §4.3.1): one row
// per tick, the tick's non-empty cells serialised as one blob. Storage
// scales O(ticks) rather than O(ticks × cells), trading read
// flexibility (a reader must deserialise the whole tick) for a large
// reduction in row count and write latency.
type SingleBlobStrategy struct{}

func (SingleBlobStrategy) Name() string { return "single-blob" }

func (SingleBlobStrategy) CreateTable(ctx context.Context, q Querier, table string, dimensions int64) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + table + ` (tick BIGINT PRIMARY KEY, cells BLOB)`
	if err := q.Exec(ctx, ddl); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating env table %s", table)
	}
	return nil
}

func (SingleBlobStrategy) WriteTicks(ctx context.Context, q Querier, table string, ticks []model.TickData) error {
	for _, t := range ticks {
		cells, err := json.Marshal(t.Cells)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Bug, err, "encoding tick %d cells", t.Tick)
		}
		if err := q.Exec(ctx, upsertSQL(table, "tick", "cells"), t.Tick, cells); err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "writing tick %d to %s", t.Tick, table)
		}
	}
	return nil
}

// RowPerCellStrategy is an allowed, non-mandatory alternative (spec.md
// §4.3.1): one row per non-empty cell per tick. Exercises a second shape
// of the same batch-write path with a composite natural key.
type RowPerCellStrategy struct{}

func (RowPerCellStrategy) Name() string { return "row-per-cell" }

func (RowPerCellStrategy) CreateTable(ctx context.Context, q Querier, table string, dimensions int64) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + table +
		` (tick BIGINT NOT NULL, x BIGINT NOT NULL, y BIGINT NOT NULL, value BLOB, PRIMARY KEY (tick, x, y))`
	if err := q.Exec(ctx, ddl); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating env table %s", table)
	}
	return nil
}

func (RowPerCellStrategy) WriteTicks(ctx context.Context, q Querier, table string, ticks []model.TickData) error {
	for _, t := range ticks {
		for _, c := range t.Cells {
			if err := q.Exec(ctx, upsertSQL(table, "tick, x, y", "value"), t.Tick, c.X, c.Y, c.Value); err != nil {
				return pkgerrors.Wrap(pkgerrors.Io, err, "writing cell (%d,%d,%d) to %s", t.Tick, c.X, c.Y, table)
			}
		}
	}
	return nil
}

// upsertSQL builds an INSERT ... ON CONFLICT DO UPDATE, the MERGE
// equivalent both pgx and modernc.org/sqlite support natively (spec.md
// §4.3.3's idempotency requirement).
func upsertSQL(table, keyCols, valueCol string) string {
	return "INSERT INTO " + table + " (" + keyCols + ", " + valueCol + ") VALUES (" +
		placeholders(keyColCount(keyCols)+1) + ") ON CONFLICT (" + keyCols + ") DO UPDATE SET " +
		valueCol + " = excluded." + valueCol
}

func keyColCount(keyCols string) int {
	n := 1
	for _, r := range keyCols {
		if r == ',' {
			n++
		}
	}
	return n
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
