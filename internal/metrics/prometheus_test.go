package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPromVectors_LabelCountsMatchCallers(t *testing.T) {
	pv := NewPromVectors("test")

	pv.Published.WithLabelValues("batches", "topic-a").Inc()
	pv.Received.WithLabelValues("batches", "topic-a", "env-indexers").Inc()
	pv.Acked.WithLabelValues("batches", "topic-a", "env-indexers").Inc()
	pv.Reassigned.WithLabelValues("batches", "topic-a", "env-indexers").Inc()
	pv.Writes.WithLabelValues("envdb", "insert").Inc()
	pv.WriteLat.WithLabelValues("envdb", "insert").Observe(0.01)
	pv.Errors.WithLabelValues("envdb", "Io").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(pv.Published.WithLabelValues("batches", "topic-a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pv.Reassigned.WithLabelValues("batches", "topic-a", "env-indexers")))
}
