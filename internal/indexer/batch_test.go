package indexer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/broker"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// fakeSubscriber delivers exactly one message, then blocks on ctx until
// cancelled, so a test can deterministically leave one batch buffered
// when the run loop observes cancellation.
type fakeSubscriber struct {
	delivered atomic.Bool
	acked     []broker.Delivery
}

func (s *fakeSubscriber) SetRun(runID string) error { return nil }

func (s *fakeSubscriber) PollFrom(ctx context.Context, topic string, timeout time.Duration) (*broker.Delivery, error) {
	if !s.delivered.Swap(true) {
		return &broker.Delivery{
			MessageID: "1",
			Topic:     topic,
			Payload:   model.Any{TypeURL: model.BatchInfoTypeURL, Value: []byte(`{}`)},
		}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSubscriber) Ack(ctx context.Context, d broker.Delivery) error {
	s.acked = append(s.acked, d)
	return nil
}

// TestAbstractBatchIndexer_FinalFlushFailureOverridesCleanCancellation
// is the regression test for the batch loop's guaranteed final flush:
// cancelling ctx while ticks are still buffered must surface a failing
// flushTicks as the Run error, not the clean Interrupted cancellation
// that triggered it (spec.md §4.4.5).
func TestAbstractBatchIndexer_FinalFlushFailureOverridesCleanCancellation(t *testing.T) {
	sub := &fakeSubscriber{}
	base := NewBaseIndexer(BaseIndexerOptions{})
	ab := NewAbstractBatchIndexer(base, BatchIndexerOptions{
		Subscriber:      sub,
		Topic:           "batches",
		InsertBatchSize: 1000,
		FlushTimeout:    time.Hour,
		ReadBatch: func(ctx context.Context, storageKey string) ([]model.TickData, error) {
			return []model.TickData{{Tick: 1}}, nil
		},
		FlushTicks: func(ctx context.Context, ticks []model.TickData) error {
			return pkgerrors.IoErrorf("flush failed")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ab.Run(ctx, "run-1", nil) }()

	require.Eventually(t, sub.delivered.Load, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the loop re-enter PollFrom and block on ctx
	cancel()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Io), "a failing final flush must override the clean Interrupted cancellation, got: %v", err)
	assert.Empty(t, sub.acked, "a failed flush must not ack the still-buffered delivery")
}
