package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// Publisher is the topic-write capability slice: setRun is idempotent
// per publisher and must precede the first publish; publish wraps the
// payload in an envelope and persists one row, auto-commit, via the
// broker's pooled connection (spec.md §4.2.1-4.2.2).
type Publisher struct {
	broker      *Broker
	serviceName string
	mu          sync.Mutex
	runID       string
	deregister  func()
	closed      bool
}

func (b *Broker) newPublisher(ctx resource.Context) (*Publisher, error) {
	p := &Publisher{broker: b, serviceName: ctx.ServiceName}
	p.deregister = b.Track(p)
	return p, nil
}

// SetRun binds this publisher to a run; idempotent per publisher.
func (p *Publisher) SetRun(runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	return nil
}

// Publish wraps payload in an envelope and inserts one row for topic.
// Thread-safe: the underlying pool serialises writes; each call is a
// single auto-commit statement (spec.md §4.2.2).
func (p *Publisher) Publish(ctx context.Context, topic string, payload model.Any) (model.Envelope, error) {
	env := model.NewEnvelope(payload, time.Now())
	envBytes, err := json.Marshal(env)
	if err != nil {
		return env, pkgerrors.Wrap(pkgerrors.Bug, err, "marshalling envelope")
	}

	_, err = p.broker.db.ExecContext(ctx,
		`INSERT INTO messages (topic, message_id, ts_ms, envelope_bytes, claimed_by, claimed_at, created_at)
		 VALUES (?, ?, ?, ?, NULL, NULL, ?)`,
		topic, env.MessageID, env.TsMs, envBytes, time.Now().UnixMilli())
	if err != nil {
		return env, pkgerrors.Wrap(pkgerrors.Io, err, "publishing to topic %s", topic)
	}

	p.broker.metrics.Counter("messages_published").Inc()
	p.broker.metrics.Rate("messages_published", time.Minute).Record(1)
	p.broker.prom.Published.WithLabelValues(p.broker.name, topic).Inc()

	p.broker.hub.Wake(topic)
	slog.Debug("published message", "topic", topic, "messageId", env.MessageID)
	return env, nil
}

// Close releases this publisher's registration with the broker. Safe to
// call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.deregister()
	return nil
}

var _ resource.Wrapped = (*Publisher)(nil)
