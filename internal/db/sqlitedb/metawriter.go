package sqlitedb

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// MetaWriter is the sqlite-backed MetaWrite capability slice, the same
// contract as internal/db.MetaWriter.
type MetaWriter struct {
	db     *DB
	mu     sync.Mutex
	prefix string

	deregister func()
	closed     bool
}

func (d *DB) newMetaWriter(ctx resource.Context) (*MetaWriter, error) {
	w := &MetaWriter{db: d}
	w.deregister = d.Track(w)
	return w, nil
}

// SetRun binds this wrapper to run's table prefix; idempotent.
func (w *MetaWriter) SetRun(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prefix = runPrefix(runID)
	return nil
}

func (w *MetaWriter) CreateMetadataTable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := &sqlQuerier{exec: w.db.db.ExecContext, prefix: w.prefix}
	if err := q.Exec(ctx, `CREATE TABLE IF NOT EXISTS metadata (run_id TEXT PRIMARY KEY, payload BLOB)`); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "creating metadata table for %s", w.prefix)
	}
	return nil
}

func (w *MetaWriter) InsertMetadata(ctx context.Context, record model.Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload, err := json.Marshal(record)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Bug, err, "encoding metadata for run %s", record.RunID)
	}
	q := &sqlQuerier{exec: w.db.db.ExecContext, prefix: w.prefix}
	err = q.Exec(ctx,
		`INSERT INTO metadata (run_id, payload) VALUES (?, ?) ON CONFLICT (run_id) DO UPDATE SET payload = excluded.payload`,
		record.RunID, payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "inserting metadata for run %s", record.RunID)
	}
	w.db.metrics.Counter("writes").Inc()
	w.db.prom.Writes.WithLabelValues(w.db.name, "insertMetadata").Inc()
	return nil
}

func (w *MetaWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.deregister()
	return nil
}

var _ resource.Wrapped = (*MetaWriter)(nil)
