package db

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// MetaWriter is the MetaWrite capability slice: createMetadataTable and
// an idempotent insertMetadata upsert keyed by run id (spec.md §4.3,
// §4.3.3).
type MetaWriter struct {
	db   *DB
	mu   sync.Mutex
	conn *pgxpool.Conn
	run  string

	deregister func()
	closed     bool
}

func (d *DB) newMetaWriter(ctx resource.Context) (*MetaWriter, error) {
	conn, err := d.pool.Acquire(context.Background())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "acquiring connection for meta writer on %s", d.name)
	}
	w := &MetaWriter{db: d, conn: conn}
	w.deregister = d.Track(w)
	return w, nil
}

// SetRun creates schema sim_<run> if absent and binds this wrapper to it.
// Idempotent (spec.md §4.3, §4.4.3).
func (w *MetaWriter) SetRun(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	schema := schemaName(runID)
	if err := ensureSchema(context.Background(), w.db.pool, w.db.dsn, schema); err != nil {
		return err
	}
	w.run = schema
	return nil
}

// CreateMetadataTable issues the metadata table DDL, idempotently.
func (w *MetaWriter) CreateMetadataTable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := &pgxQuerier{conn: w.conn, schema: w.run}
	return q.Exec(ctx, `CREATE TABLE IF NOT EXISTS metadata (run_id TEXT PRIMARY KEY, payload BLOB)`)
}

// InsertMetadata upserts record by run id; redelivery of the same
// MetadataInfo is a no-op beyond overwriting with identical bytes
// (spec.md §4.3.3).
func (w *MetaWriter) InsertMetadata(ctx context.Context, record model.Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload, err := json.Marshal(record)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Bug, err, "encoding metadata for run %s", record.RunID)
	}
	q := &pgxQuerier{conn: w.conn, schema: w.run}
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

// Close releases the pooled connection this wrapper held. Safe to call
// more than once.
func (w *MetaWriter) Close() error {
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

var _ resource.Wrapped = (*MetaWriter)(nil)
