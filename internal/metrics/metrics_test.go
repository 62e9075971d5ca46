package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCounter_IncAndAdd(t *testing.T) {
	c := &Counter{}
	c.Inc()
	c.Inc()
	c.Add(3)
	assert.Equal(t, int64(5), c.Value())
}

func TestRateCounter_SlidesOutOfWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rc := NewRateCounter(3 * time.Second)
	rc.clock = clock.Now

	rc.Record(1)
	clock.advance(time.Second)
	rc.Record(1)
	clock.advance(time.Second)
	rc.Record(1)
	assert.Equal(t, int64(3), rc.Sum())

	clock.advance(3 * time.Second)
	assert.Equal(t, int64(0), rc.Sum(), "everything recorded should have aged out of a 3s window")
}

func TestPercentiles_QuantilesOverWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(2000, 0)}
	p := NewPercentiles(10 * time.Second)
	p.clock = clock.Now

	for i := 1; i <= 100; i++ {
		p.Observe(float64(i))
	}
	p50, p95, p99 := p.P50P95P99()
	assert.InDelta(t, 50, p50, 5)
	assert.InDelta(t, 95, p95, 5)
	assert.InDelta(t, 99, p99, 5)
}

func TestPercentiles_EmptyWindowReturnsZero(t *testing.T) {
	p := NewPercentiles(time.Second)
	q := p.Quantiles(0.5)
	assert.Equal(t, 0.0, q[0.5])
}

func TestErrorLog_WrapsAtCapacity(t *testing.T) {
	log := NewErrorLog(3)
	for i := 0; i < 5; i++ {
		log.Record(ErrorEntry{Message: string(rune('a' + i))})
	}
	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "d", entries[1].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestErrorLog_BelowCapacityReturnsAllInOrder(t *testing.T) {
	log := NewErrorLog(5)
	log.Record(ErrorEntry{Message: "a"})
	log.Record(ErrorEntry{Message: "b"})
	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Message)
	assert.Equal(t, "b", entries[1].Message)
}

func TestRegistry_SnapshotFlattensEverything(t *testing.T) {
	r := NewRegistry()
	r.Counter("published").Add(7)
	r.Rate("received_rate", 5*time.Second).Record(2)
	r.Percentile("write_latency", time.Second).Observe(12.5)
	r.Errors.Record(ErrorEntry{Message: "boom"})

	snap := r.Snapshot()
	assert.Equal(t, int64(7), snap["published"])
	assert.Contains(t, snap, "received_rate_per_sec")
	assert.Contains(t, snap, "write_latency_p50")
	assert.Contains(t, snap, "write_latency_p95")
	assert.Contains(t, snap, "write_latency_p99")
}
