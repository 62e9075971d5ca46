package sqlitedb

import (
	"context"
	"sync"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/db/strategy"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// EnvWriter is the sqlite-backed EnvWrite capability slice, the same
// contract as internal/db.EnvWriter: createEnvTable/writeTicks delegated
// to the wired strategy.EnvStrategy, one explicit transaction per
// writeTicks call (spec.md §4.3.2).
type EnvWriter struct {
	db     *DB
	strat  strategy.EnvStrategy
	mu     sync.Mutex
	prefix string

	deregister func()
	closed     bool
}

func (d *DB) newEnvWriter(ctx resource.Context) (*EnvWriter, error) {
	strat := d.envStrat
	if name := ctx.Params["strategy"]; name != "" {
		var err error
		strat, err = d.strategies.Get(name)
		if err != nil {
			return nil, err
		}
	}
	w := &EnvWriter{db: d, strat: strat}
	w.deregister = d.Track(w)
	return w, nil
}

// SetRun binds this wrapper to run's table prefix; idempotent.
func (w *EnvWriter) SetRun(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prefix = runPrefix(runID)
	return nil
}

func (w *EnvWriter) CreateEnvTable(ctx context.Context, dimensions int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := &sqlQuerier{exec: w.db.db.ExecContext, prefix: w.prefix}
	if err := w.strat.CreateTable(ctx, q, "env_ticks", dimensions); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating env table for %s", w.prefix)
	}
	return nil
}

func (w *EnvWriter) WriteTicks(ctx context.Context, ticks []model.TickData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := time.Now()

	tx, err := w.db.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "beginning env write transaction")
	}
	q := &sqlQuerier{exec: tx.ExecContext, prefix: w.prefix}
	if err := w.strat.WriteTicks(ctx, q, "env_ticks", ticks); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
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
	w.deregister()
	return nil
}

var _ resource.Wrapped = (*EnvWriter)(nil)
