// Package indexer implements the layered indexer template spec.md §4.4
// describes: AbstractIndexer (run discovery, metadata gating, schema
// preparation) wrapping AbstractBatchIndexer (topic receive loop, tick
// buffering, subclass flushTicks). Go has no class inheritance, so "no
// inheritance of state is required; composition is sufficient" (spec.md
// §9) is realized as a BaseIndexer struct embedded by AbstractBatchIndexer,
// with the subclass hook expressed as an injected func field rather than
// an overridden method.
package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/blobstore"
	"github.com/rainco77/evochora-pipeline/internal/metrics"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// RunMode selects how AbstractIndexer obtains the run id it will index
// (spec.md §4.4.1).
type RunMode int

const (
	// Configured: runId is supplied verbatim at construction.
	Configured RunMode = iota
	// Discovered: the indexer polls storage.ListRunIDs(T) until the
	// first run minted after its own start time appears.
	Discovered
)

// MetadataReader is the subset of db.MetaReader/sqlitedb.MetaReader an
// indexer needs for metadata gating (spec.md §4.4.2).
type MetadataReader interface {
	SetRun(runID string) error
	ReadMetadata(ctx context.Context, runID string) (*model.Metadata, error)
}

// SchemaAware is any resource wrapper that must be told which run it
// now serves before use (spec.md §4.4.3: "setRun on every SchemaAware
// resource it holds").
type SchemaAware interface {
	SetRun(runID string) error
}

// BaseIndexerOptions configures run discovery and metadata gating.
type BaseIndexerOptions struct {
	Mode RunMode
	// RunID is used verbatim when Mode == Configured.
	RunID string

	PollInterval    time.Duration
	MaxPollDuration time.Duration

	// MetadataCollaborator is nil when the indexer declares no metadata
	// dependency (spec.md §4.4.2: "if the indexer declares a metadata
	// collaborator").
	MetadataCollaborator   MetadataReader
	MetadataPollInterval   time.Duration
	MetadataMaxPollDuration time.Duration

	Storage blobstore.Store
	Clock   func() time.Time
	Metrics *metrics.Registry
}

// BaseIndexer implements run discovery, metadata gating, and schema
// preparation (spec.md §4.4.1–4.4.3). It holds no business logic of its
// own; AbstractBatchIndexer embeds it and adds the batch loop.
type BaseIndexer struct {
	opts BaseIndexerOptions

	metadata *model.Metadata // cached for the run's lifetime once gated
}

func NewBaseIndexer(opts BaseIndexerOptions) *BaseIndexer {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return &BaseIndexer{opts: opts}
}

// DiscoverRun resolves the run id to index: verbatim if Configured, or
// by polling storage.ListRunIDs(T) every PollInterval until the first
// run minted after T appears or MaxPollDuration elapses (TimeoutError).
// Interruptible via ctx (spec.md §4.4.1).
func (b *BaseIndexer) DiscoverRun(ctx context.Context) (string, error) {
	if b.opts.Mode == Configured {
		if b.opts.RunID == "" {
			return "", pkgerrors.ConfigErrorf("configured run discovery requires a runId")
		}
		logDiscovery(b.opts.RunID, Configured)
		return b.opts.RunID, nil
	}

	start := b.opts.Clock()
	deadline := start.Add(b.opts.MaxPollDuration)
	interval := b.opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	afterRunID := model.NewRunID(start)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ids, err := b.opts.Storage.ListRunIDs(afterRunID)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.Io, err, "listing run ids during discovery")
		}
		if len(ids) > 0 {
			logDiscovery(ids[0], Discovered)
			return ids[0], nil
		}
		if b.opts.Clock().After(deadline) {
			return "", pkgerrors.New(pkgerrors.Timeout, "no run discovered after %s", b.opts.MaxPollDuration)
		}
		select {
		case <-ctx.Done():
			return "", pkgerrors.Wrap(pkgerrors.Interrupted, ctx.Err(), "run discovery cancelled")
		case <-ticker.C:
		}
	}
}

// AwaitMetadata blocks until metadata for runID is available, polling
// at MetadataPollInterval until it succeeds or MetadataMaxPollDuration
// elapses. An indexer with no MetadataCollaborator returns (nil, nil)
// immediately — metadata gating is opt-in (spec.md §4.4.2).
func (b *BaseIndexer) AwaitMetadata(ctx context.Context, runID string) (*model.Metadata, error) {
	if b.opts.MetadataCollaborator == nil {
		return nil, nil
	}
	if err := b.opts.MetadataCollaborator.SetRun(runID); err != nil {
		return nil, err
	}

	start := b.opts.Clock()
	deadline := start.Add(b.opts.MetadataMaxPollDuration)
	interval := b.opts.MetadataPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		md, err := b.opts.MetadataCollaborator.ReadMetadata(ctx, runID)
		if err != nil {
			return nil, err
		}
		if md != nil {
			b.metadata = md
			return md, nil
		}
		if b.opts.Clock().After(deadline) {
			return nil, pkgerrors.New(pkgerrors.Timeout, "metadata for run %s not available after %s", runID, b.opts.MetadataMaxPollDuration)
		}
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Wrap(pkgerrors.Interrupted, ctx.Err(), "metadata gating cancelled")
		case <-ticker.C:
		}
	}
}

// Metadata returns the cached metadata from the last successful
// AwaitMetadata call, or nil if none has occurred.
func (b *BaseIndexer) Metadata() *model.Metadata { return b.metadata }

// PrepareSchema calls SetRun(runID) on every SchemaAware collaborator
// (idempotent by contract), then invokes prepare, the subclass hook
// that typically creates tables (spec.md §4.4.3, also idempotent).
func (b *BaseIndexer) PrepareSchema(ctx context.Context, runID string, collaborators []SchemaAware, prepare func(ctx context.Context) error) error {
	for _, c := range collaborators {
		if err := c.SetRun(runID); err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "binding collaborator to run %s", runID)
		}
	}
	if prepare == nil {
		return nil
	}
	if err := prepare(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "preparing schema for run %s", runID)
	}
	return nil
}

// Metrics exposes this indexer's metrics registry.
func (b *BaseIndexer) Metrics() *metrics.Registry { return b.opts.Metrics }

// logDiscovery is a small helper kept out of DiscoverRun's hot loop to
// avoid a slog.Info per poll tick; DiscoverRun calls it once, when it
// returns a run id.
func logDiscovery(runID string, mode RunMode) {
	slog.Info("run discovered", "runId", runID, "mode", mode)
}
