package db

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// MetaReader is the MetaRead capability slice: readMetadata(runId)
// returns the metadata row or (nil, nil) when absent (spec.md
// §4.3, §4.4.2 — indexers poll this until it succeeds).
type MetaReader struct {
	db   *DB
	mu   sync.Mutex
	conn *pgxpool.Conn
	run  string

	deregister func()
	closed     bool
}

func (d *DB) newMetaReader(ctx resource.Context) (*MetaReader, error) {
	conn, err := d.pool.Acquire(context.Background())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "acquiring connection for meta reader on %s", d.name)
	}
	r := &MetaReader{db: d, conn: conn}
	r.deregister = d.Track(r)
	return r, nil
}

// SetRun binds this wrapper to schema sim_<run>; idempotent.
func (r *MetaReader) SetRun(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run = schemaName(runID)
	return nil
}

// ReadMetadata returns the metadata row for runID, or (nil, nil) if the
// table or row does not exist yet (the table may not have been created
// by a writer yet during discovery).
func (r *MetaReader) ReadMetadata(ctx context.Context, runID string) (*model.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var payload []byte
	query := `SELECT payload FROM ` + quoteIdent(r.run) + `.metadata WHERE run_id = $1`
	err := r.conn.QueryRow(ctx, query, runID).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		// Table not yet created by a writer is also "not yet available";
		// metadata gating polls until this stops erroring.
		return nil, nil
	}
	var md model.Metadata
	if err := json.Unmarshal(payload, &md); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Protocol, err, "decoding metadata for run %s", runID)
	}
	return &md, nil
}

func (r *MetaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.conn.Release()
	r.deregister()
	return nil
}

var _ resource.Wrapped = (*MetaReader)(nil)
