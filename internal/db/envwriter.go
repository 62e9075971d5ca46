package db

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rainco77/evochora-pipeline/internal/db/strategy"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// EnvWriter is the EnvWrite capability slice: createEnvTable and
// writeTicks, both delegated to the wired strategy.EnvStrategy
// (spec.md §4.3, §4.3.1). Every writeTicks call runs as one explicit
// transaction: autocommit disabled, commit on success, rollback and
// re-raise on failure, before the connection is considered clean again
// (spec.md §4.3.2).
type EnvWriter struct {
	db   *DB
	strat strategy.EnvStrategy
	mu   sync.Mutex
	conn *pgxpool.Conn
	run  string

	deregister func()
	closed     bool
}

func (d *DB) newEnvWriter(ctx resource.Context) (*EnvWriter, error) {
	conn, err := d.pool.Acquire(context.Background())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "acquiring connection for env writer on %s", d.name)
	}
	strat := d.envStrat
	if name := ctx.Params["strategy"]; name != "" {
		strat, err = d.strategies.Get(name)
		if err != nil {
			conn.Release()
			return nil, err
		}
	}
	w := &EnvWriter{db: d, strat: strat, conn: conn}
	w.deregister = d.Track(w)
	return w, nil
}

// SetRun binds this wrapper to schema sim_<run>; idempotent.
func (w *EnvWriter) SetRun(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.run = schemaName(runID)
	return nil
}

// CreateEnvTable issues the strategy's DDL for dimensions, idempotently.
func (w *EnvWriter) CreateEnvTable(ctx context.Context, dimensions int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := &pgxQuerier{conn: w.conn, schema: w.run}
	return w.strat.CreateTable(ctx, q, "env_ticks", dimensions)
}

// WriteTicks writes every tick in ticks as one batch transaction,
// rolling back and returning an error on any failure (the MERGE
// guarantees the retried batch is idempotent on redelivery, spec.md
// §4.3.3).
func (w *EnvWriter) WriteTicks(ctx context.Context, ticks []model.TickData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := time.Now()

	tx, err := w.conn.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "beginning env write transaction")
	}
	txQ := &txQuerier{tx: tx, schema: w.run}
	if err := w.strat.WriteTicks(ctx, txQ, "env_ticks", ticks); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "committing env write transaction")
	}

	w.db.metrics.Counter("writes").Add(int64(len(ticks)))
	w.db.metrics.Percentile("write_latency_ms", time.Minute).Observe(float64(time.Since(start).Milliseconds()))
	w.db.prom.Writes.WithLabelValues(w.db.name, "writeTicks").Add(float64(len(ticks)))
	w.db.prom.WriteLat.WithLabelValues(w.db.name, "writeTicks").Observe(time.Since(start).Seconds())
	return nil
}

func (w *EnvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.conn.Release()
	w.deregister()
	return nil
}

var _ resource.Wrapped = (*EnvWriter)(nil)

// txQuerier adapts an in-flight pgx.Tx to strategy.Querier, the same
// placeholder-rebinding and schema-prefixing pgxQuerier does, so
// WriteTicks runs every statement inside the one transaction instead of
// autocommitting per call.
type txQuerier struct {
	tx     pgx.Tx
	schema string
}

func (q *txQuerier) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := q.tx.Exec(ctx, rebindSchema(sql, q.schema), args...)
	return err
}
