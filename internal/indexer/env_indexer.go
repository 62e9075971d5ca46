package indexer

import (
	"context"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/blobstore"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// EnvWriter is the subset of db.EnvWriter/sqlitedb.EnvWriter EnvIndexer
// needs.
type EnvWriter interface {
	SetRun(runID string) error
	CreateEnvTable(ctx context.Context, dimensions int64) error
	WriteTicks(ctx context.Context, ticks []model.TickData) error
}

// EnvIndexer is the reference flushTicks implementation (spec.md §3.5,
// §4.3.1): it reads BatchInfo-addressed blobs via AbstractBatchIndexer's
// batch loop and writes the buffered ticks through an EnvWrite
// collaborator, gated on run metadata for environment dimensions.
type EnvIndexer struct {
	*AbstractBatchIndexer
	env EnvWriter
}

// NewEnvIndexer wires an EnvWriter as the flushTicks hook and as a
// SchemaAware collaborator for PrepareSchema.
func NewEnvIndexer(base *BaseIndexer, batchOpts BatchIndexerOptions, env EnvWriter) *EnvIndexer {
	idx := &EnvIndexer{env: env}
	batchOpts.FlushTicks = idx.flushTicks
	idx.AbstractBatchIndexer = NewAbstractBatchIndexer(base, batchOpts)
	return idx
}

func (idx *EnvIndexer) flushTicks(ctx context.Context, ticks []model.TickData) error {
	return idx.env.WriteTicks(ctx, ticks)
}

// Start runs the full AbstractIndexer template once: discover the run,
// gate on metadata, prepare the schema, then run the batch loop until
// ctx is done. checkPause is the service runtime's cooperative pause
// point (spec.md §4.5); nil disables pausing (e.g. in tests).
func (idx *EnvIndexer) Start(ctx context.Context, checkPause func(ctx context.Context) error) error {
	runID, err := idx.DiscoverRun(ctx)
	if err != nil {
		return err
	}

	md, err := idx.AwaitMetadata(ctx, runID)
	if err != nil {
		return err
	}

	collaborators := []SchemaAware{idx.env}
	if mr, ok := idx.subscriberAsSchemaAware(); ok {
		collaborators = append(collaborators, mr)
	}
	dims := int64(2)
	if md != nil {
		dims = md.Dimensions
	}
	if err := idx.PrepareSchema(ctx, runID, collaborators, func(ctx context.Context) error {
		return idx.env.CreateEnvTable(ctx, dims)
	}); err != nil {
		return err
	}

	return idx.Run(ctx, runID, checkPause)
}

func (b *AbstractBatchIndexer) subscriberAsSchemaAware() (SchemaAware, bool) {
	sa, ok := b.opts.Subscriber.(SchemaAware)
	return sa, ok
}

// ReadBatchFromFileStore is a ReadBatch implementation convenience for
// tests and simple deployments using blobstore.FileStore directly; the
// default in NewAbstractBatchIndexer already covers this for any Store.
func ReadBatchFromFileStore(store blobstore.Store) func(ctx context.Context, storageKey string) ([]model.TickData, error) {
	return func(ctx context.Context, storageKey string) ([]model.TickData, error) {
		ticks, err := blobstore.ReadAll(store, storageKey, decodeTickRecord)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Io, err, "reading batch %s", storageKey)
		}
		return ticks, nil
	}
}
