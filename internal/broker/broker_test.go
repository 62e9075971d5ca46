package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

func newTestBroker(t *testing.T, claimTimeout int) *Broker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	b, err := New("test-broker", Options{DBPath: dbPath, ClaimTimeout: claimTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func wrapPublisher(t *testing.T, b *Broker) *Publisher {
	t.Helper()
	w, err := b.Wrap(resource.Context{ServiceName: "writer", UsageType: resource.TopicWrite})
	require.NoError(t, err)
	return w.(*Publisher)
}

func wrapSubscriber(t *testing.T, b *Broker, group string) *Subscriber {
	t.Helper()
	w, err := b.Wrap(resource.Context{
		ServiceName: "reader",
		UsageType:   resource.TopicRead,
		Params:      map[string]string{"consumerGroup": group},
	})
	require.NoError(t, err)
	return w.(*Subscriber)
}

func batchPayload(t *testing.T, info model.BatchInfo) model.Any {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	return model.Any{TypeURL: model.BatchInfoTypeURL, Value: raw}
}

// E1 — round trip.
func TestBroker_RoundTrip(t *testing.T) {
	b := newTestBroker(t, 0)
	pub := wrapPublisher(t, b)
	sub := wrapSubscriber(t, b, "g")

	info := model.BatchInfo{
		SimulationRunID: "r1",
		StorageKey:      "r1/batch_0000000000000000000_0000000000000000099.pb",
		TickStart:       0,
		TickEnd:         99,
	}
	published, err := pub.Publish(context.Background(), "batches", batchPayload(t, info))
	require.NoError(t, err)

	d, err := sub.PollFrom(context.Background(), "batches", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, published.Payload, d.Payload)

	require.NoError(t, sub.Ack(context.Background(), *d))

	again, err := sub.PollFrom(context.Background(), "batches", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// E2 — two independent consumer groups each see every message.
func TestBroker_TwoGroups(t *testing.T) {
	b := newTestBroker(t, 0)
	pub := wrapPublisher(t, b)
	subA := wrapSubscriber(t, b, "a")
	subB := wrapSubscriber(t, b, "b")

	info := model.BatchInfo{SimulationRunID: "r1", StorageKey: "r1/batch.pb"}
	_, err := pub.Publish(context.Background(), "batches", batchPayload(t, info))
	require.NoError(t, err)

	dA, err := subA.PollFrom(context.Background(), "batches", time.Second)
	require.NoError(t, err)
	require.NotNil(t, dA)

	dB, err := subB.PollFrom(context.Background(), "batches", time.Second)
	require.NoError(t, err)
	require.NotNil(t, dB)

	require.NoError(t, subA.Ack(context.Background(), *dA))
	require.NoError(t, subB.Ack(context.Background(), *dB))

	again, err := subA.PollFrom(context.Background(), "batches", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
	again, err = subB.PollFrom(context.Background(), "batches", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// E3 — competing consumers in one group split the work with no
// duplicates and no loss.
func TestBroker_CompetingConsumers(t *testing.T) {
	b := newTestBroker(t, 0)
	pub := wrapPublisher(t, b)

	const n = 10
	for i := 0; i < n; i++ {
		info := model.BatchInfo{SimulationRunID: "r1", TickStart: int64(i), TickEnd: int64(i)}
		_, err := pub.Publish(context.Background(), "batches", batchPayload(t, info))
		require.NoError(t, err)
	}

	type result struct {
		ids []int64
	}
	resultsCh := make(chan result, 3)
	for w := 0; w < 3; w++ {
		sub := wrapSubscriber(t, b, "g")
		go func(sub *Subscriber) {
			var seen []int64
			for {
				d, err := sub.PollFrom(context.Background(), "batches", 300*time.Millisecond)
				if err != nil || d == nil {
					break
				}
				var info model.BatchInfo
				require.NoError(t, json.Unmarshal(d.Payload.Value, &info))
				seen = append(seen, info.TickStart)
				require.NoError(t, sub.Ack(context.Background(), *d))
			}
			resultsCh <- result{ids: seen}
		}(sub)
	}

	total := 0
	seenIDs := map[int64]int{}
	for i := 0; i < 3; i++ {
		r := <-resultsCh
		total += len(r.ids)
		for _, id := range r.ids {
			seenIDs[id]++
		}
	}
	assert.Equal(t, n, total)
	assert.Len(t, seenIDs, n)
	for id, count := range seenIDs {
		assert.Equalf(t, 1, count, "id %d observed %d times", id, count)
	}
}

// E4 — a claim abandoned past claimTimeout is reassigned to another
// claimant in the same group, and the reassignment is counted.
func TestBroker_StuckReassignment(t *testing.T) {
	b := newTestBroker(t, 2)
	pub := wrapPublisher(t, b)
	s1 := wrapSubscriber(t, b, "g")
	s2 := wrapSubscriber(t, b, "g")

	info := model.BatchInfo{SimulationRunID: "r1"}
	_, err := pub.Publish(context.Background(), "batches", batchPayload(t, info))
	require.NoError(t, err)

	d1, err := s1.PollFrom(context.Background(), "batches", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d1)
	// s1 never acks.

	time.Sleep(2500 * time.Millisecond)

	d2, err := s2.PollFrom(context.Background(), "batches", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, d1.MessageID, d2.MessageID)

	require.NoError(t, s2.Ack(context.Background(), *d2))

	snap := b.metrics.Snapshot()
	assert.EqualValues(t, 1, snap["stuck_messages_reassigned"])
}
