package indexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/blobstore"
	"github.com/rainco77/evochora-pipeline/internal/broker"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// TopicSubscriber is the subset of broker.Subscriber the batch loop
// needs; expressed as an interface so tests can substitute a fake
// without standing up a real broker.
type TopicSubscriber interface {
	SetRun(runID string) error
	PollFrom(ctx context.Context, topic string, timeout time.Duration) (*broker.Delivery, error)
	Ack(ctx context.Context, d broker.Delivery) error
}

// BatchIndexerOptions configures AbstractBatchIndexer.
type BatchIndexerOptions struct {
	Subscriber      TopicSubscriber
	Topic           string
	Storage         blobstore.Store
	InsertBatchSize int
	FlushTimeout    time.Duration

	// ReadBatch loads the tick records a BatchInfo payload addresses.
	// Defaults to decoding length-prefixed JSON model.TickData records
	// from the blob at BatchInfo.StorageKey if left nil.
	ReadBatch func(ctx context.Context, storageKey string) ([]model.TickData, error)

	// FlushTicks is the subclass hook (spec.md §4.4: "flushTicks()
	// subclass implements"), invoked with everything buffered since the
	// last flush. Must be idempotent; the database MERGE guarantees this
	// for EnvIndexer's default implementation.
	FlushTicks func(ctx context.Context, ticks []model.TickData) error
}

// AbstractBatchIndexer runs the topic receive loop, buffers ticks, and
// flushes on size or time thresholds (spec.md §4.4.4).
type AbstractBatchIndexer struct {
	*BaseIndexer
	opts BatchIndexerOptions

	runID       string
	buffer      []model.TickData
	pendingAcks []broker.Delivery
	lastFlush   time.Time
}

func NewAbstractBatchIndexer(base *BaseIndexer, opts BatchIndexerOptions) *AbstractBatchIndexer {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	if opts.ReadBatch == nil {
		storage := opts.Storage
		opts.ReadBatch = func(ctx context.Context, storageKey string) ([]model.TickData, error) {
			return blobstore.ReadAll(storage, storageKey, decodeTickRecord)
		}
	}
	return &AbstractBatchIndexer{BaseIndexer: base, opts: opts}
}

func decodeTickRecord(raw []byte) (model.TickData, error) {
	var t model.TickData
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, pkgerrors.Wrap(pkgerrors.Protocol, err, "decoding tick record")
	}
	return t, nil
}

// Run executes the batch loop until ctx is done, guaranteeing a final
// flushAndAck on every exit path (spec.md §4.4.4: "because the final
// finally runs on every exit path ... graceful shutdown never silently
// drops buffered work"). checkPause is invoked once per iteration if
// non-nil, the cooperative pause point the service runtime wires in;
// it returns an error when the service is stopping or ctx is done.
// The return value is named so the deferred final flush can
// observe and override it: a failing final flush always wins over
// whatever the loop itself was returning, including a clean
// Interrupted exit, so a flush failure on shutdown is never silently
// dropped (spec.md §4.4.5: "if [final flush] also fails, service
// transitions to ERROR").
func (b *AbstractBatchIndexer) Run(ctx context.Context, runID string, checkPause func(ctx context.Context) error) (err error) {
	b.runID = runID
	if err := b.opts.Subscriber.SetRun(runID); err != nil {
		return err
	}
	b.lastFlush = time.Now()

	defer func() {
		if ferr := b.flushAndAck(context.Background()); ferr != nil {
			err = ferr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return pkgerrors.Wrap(pkgerrors.Interrupted, ctx.Err(), "batch loop cancelled")
		default:
		}
		if checkPause != nil {
			if err := checkPause(ctx); err != nil {
				return err
			}
		}

		delivery, err := b.opts.Subscriber.PollFrom(ctx, b.opts.Topic, b.opts.FlushTimeout)
		if err != nil {
			return err
		}
		if delivery != nil {
			if err := b.ingest(ctx, *delivery); err != nil {
				b.Metrics().Counter("ingest_errors").Inc()
				slog.Warn("batch ingest failed, message not acked", "topic", b.opts.Topic, "messageId", delivery.MessageID, "error", err)
				// Do not buffer or ack; claim-timeout redelivery will retry
				// this message later (spec.md §4.4.5).
			}
		}

		if len(b.buffer) >= b.opts.InsertBatchSize || time.Since(b.lastFlush) >= b.opts.FlushTimeout {
			if err := b.flushAndAck(ctx); err != nil {
				b.Metrics().Counter("flush_errors").Inc()
				slog.Warn("flushTicks failed, pending deliveries not acked", "error", err)
			}
		}
	}
}

// ingest decodes delivery's BatchInfo payload, reads the addressed
// batch blob, and appends its records to the buffer.
func (b *AbstractBatchIndexer) ingest(ctx context.Context, d broker.Delivery) error {
	var info model.BatchInfo
	if err := json.Unmarshal(d.Payload.Value, &info); err != nil {
		return pkgerrors.Wrap(pkgerrors.Protocol, err, "decoding batch info")
	}
	records, err := b.opts.ReadBatch(ctx, info.StorageKey)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "reading batch %s", info.StorageKey)
	}
	b.buffer = append(b.buffer, records...)
	b.pendingAcks = append(b.pendingAcks, d)
	return nil
}

// flushAndAck invokes the subclass flushTicks hook, then acknowledges
// every pending delivery in receive order, then clears both (spec.md
// §4.4.4). On flushTicks failure the buffer and pending acks are
// dropped without acking: redelivery re-fetches fresh records from
// storage via claim-timeout reassignment, so nothing is lost, and
// retrying the exact same stale buffer forever would wedge the loop.
func (b *AbstractBatchIndexer) flushAndAck(ctx context.Context) error {
	if len(b.buffer) == 0 {
		b.lastFlush = time.Now()
		return nil
	}
	buffer := b.buffer
	pending := b.pendingAcks
	b.buffer = nil
	b.pendingAcks = nil
	b.lastFlush = time.Now()

	if err := b.opts.FlushTicks(ctx, buffer); err != nil {
		return err
	}
	for _, d := range pending {
		if err := b.opts.Subscriber.Ack(ctx, d); err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "acking message %s", d.MessageID)
		}
	}
	return nil
}
