package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// MetaReader is the sqlite-backed MetaRead capability slice.
type MetaReader struct {
	db     *DB
	mu     sync.Mutex
	prefix string

	deregister func()
	closed     bool
}

func (d *DB) newMetaReader(ctx resource.Context) (*MetaReader, error) {
	r := &MetaReader{db: d}
	r.deregister = d.Track(r)
	return r, nil
}

// SetRun binds this wrapper to run's table prefix; idempotent.
func (r *MetaReader) SetRun(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = runPrefix(runID)
	return nil
}

// ReadMetadata returns the metadata row for runID, or (nil, nil) when
// the table or row does not exist yet (metadata gating polls until this
// stops being absent).
func (r *MetaReader) ReadMetadata(ctx context.Context, runID string) (*model.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.prefix + "_metadata"
	var payload []byte
	err := r.db.db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		// Table not yet created by a writer: treat the same as "not
		// available yet" rather than surfacing a driver error.
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
	r.deregister()
	return nil
}

var _ resource.Wrapped = (*MetaReader)(nil)
