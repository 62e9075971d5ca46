package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// Delivery is a claimed, not-yet-acknowledged message. ackToken is the
// messages.id row this delivery was claimed from; Ack needs it to clear
// the claim and record the acknowledgement atomically.
type Delivery struct {
	Payload   model.Any
	MessageID string
	TsMs      int64
	Topic     string
	Group     string
	ackToken  int64
}

// Subscriber is the topic-read capability slice: bound to a single
// consumer group at wrap time (spec.md §6.1, "?consumerGroup=... required").
// receive/poll claim one not-yet-acked-by-this-group row at a time;
// claims are released back to the pool (never left dangling) only by a
// matching ack or by timing out and being reassigned to another claimant
// (spec.md §4.2.3).
type Subscriber struct {
	broker      *Broker
	serviceName string
	group       string

	mu         sync.Mutex
	runID      string
	topic      string
	lastSeen   map[string]int64 // per-topic highest claimed row id, monotonic
	claimantID string
	deregister func()
	closed     bool
}

func (b *Broker) newSubscriber(ctx resource.Context) (*Subscriber, error) {
	group := ctx.Params["consumerGroup"]
	if group == "" {
		return nil, pkgerrors.ConfigErrorf("topic-read usage of %q requires ?consumerGroup=", b.name)
	}
	s := &Subscriber{
		broker:      b,
		serviceName: ctx.ServiceName,
		group:       group,
		lastSeen:    make(map[string]int64),
		claimantID:  ctx.ServiceName + "/" + group + "/" + model.NewRunID(time.Now()),
	}
	s.deregister = b.Track(s)
	return s, nil
}

// SetRun binds this subscriber to a run; idempotent per subscriber.
func (s *Subscriber) SetRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	return nil
}

// Receive blocks until a message is claimed for this subscriber's group
// on topic, or ctx is done. It waits on the broker's notification hub
// between claim attempts rather than busy-polling the database; a
// missed wake-up just means the next publish (or the periodic retry
// below) wakes it instead, since the claim statement is always re-tried
// from scratch (spec.md §4.2.3, "notification-miss tolerance").
func (s *Subscriber) Receive(ctx context.Context) (Delivery, error) {
	const retryInterval = 2 * time.Second
	for {
		d, ok, err := s.tryClaim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, pkgerrors.Wrap(pkgerrors.Interrupted, ctx.Err(), "receive cancelled")
		case <-s.broker.hub.Wait(s.currentTopic()):
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll is Receive bounded by timeout; it returns (nil, nil) rather than
// an error when no message becomes available before the deadline.
func (s *Subscriber) Poll(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d, err := s.Receive(pctx)
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// currentTopic is a placeholder hook: callers set the topic to claim
// against via the ReceiveFrom/PollFrom variants below, which stash it
// here for the duration of the call. Kept on the struct (rather than
// threaded through every private helper) because tryClaim is also
// invoked from the retry loop above without a topic in scope.
func (s *Subscriber) currentTopic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// ReceiveFrom and PollFrom are the topic-qualified entry points; topic
// selects which queue to claim from, since one broker resource hosts
// every topic sharing its messages/acks tables (spec.md §3.2).
func (s *Subscriber) ReceiveFrom(ctx context.Context, topic string) (Delivery, error) {
	s.mu.Lock()
	s.topic = topic
	s.mu.Unlock()
	return s.Receive(ctx)
}

func (s *Subscriber) PollFrom(ctx context.Context, topic string, timeout time.Duration) (*Delivery, error) {
	s.mu.Lock()
	s.topic = topic
	s.mu.Unlock()
	return s.Poll(ctx, timeout)
}

// tryClaim runs one atomic claim attempt: pick the oldest row on topic
// that this group hasn't acked and that is either unclaimed or stuck
// past claimTimeout, mark it claimed by this subscriber, and return it.
// Reclaiming a stuck row is logged and counted but never treated as an
// error (spec.md §4.2.3: "reassignment ... must never be silently
// dropped nor treated as fatal").
func (s *Subscriber) tryClaim(ctx context.Context) (Delivery, bool, error) {
	topic := s.currentTopic()
	if topic == "" {
		return Delivery{}, false, pkgerrors.BugErrorf("tryClaim called before a topic was bound")
	}
	now := time.Now()
	var delivery Delivery
	found := false

	err := withImmediateTx(ctx, s.broker.db, func(conn *sql.Conn) error {
		staleBefore := now.Add(-s.broker.claimTimeout).UnixMilli()
		row := conn.QueryRowContext(ctx, `
			SELECT m.id, m.message_id, m.ts_ms, m.envelope_bytes, m.claimed_by, m.claimed_at
			FROM messages m
			LEFT JOIN acks a ON a.topic = m.topic AND a."group" = ? AND a.message_id = m.message_id
			WHERE m.topic = ?
			  AND a.message_id IS NULL
			  AND (
			    m.claimed_by IS NULL
			    OR (? > 0 AND m.claimed_at IS NOT NULL AND m.claimed_at < ?)
			  )
			ORDER BY m.id ASC
			LIMIT 1`,
			s.group, topic, int64(s.broker.claimTimeout/time.Millisecond), staleBefore)

		var (
			id            int64
			messageID     string
			tsMs          int64
			envBytes      []byte
			claimedBy     sql.NullString
			claimedAtNull sql.NullInt64
		)
		if err := row.Scan(&id, &messageID, &tsMs, &envBytes, &claimedBy, &claimedAtNull); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.Io, err, "selecting claimable message")
		}

		wasStuck := claimedBy.Valid && claimedBy.String != ""
		if _, err := conn.ExecContext(ctx,
			`UPDATE messages SET claimed_by = ?, claimed_at = ? WHERE id = ?`,
			s.claimantID, now.UnixMilli(), id); err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "claiming message %d", id)
		}

		if wasStuck && claimedBy.String != s.claimantID {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO stuck_reassignments (topic, "group", message_id, previous_claimant, reassigned_at)
				 VALUES (?, ?, ?, ?, ?)`,
				topic, s.group, messageID, claimedBy.String, now.UnixMilli()); err != nil {
				return pkgerrors.Wrap(pkgerrors.Io, err, "recording stuck reassignment for %s", messageID)
			}
			s.broker.metrics.Counter("stuck_messages_reassigned").Inc()
			s.broker.prom.Reassigned.WithLabelValues(s.broker.name, topic, s.group).Inc()
			slog.Warn("reassigned stuck message", "topic", topic, "group", s.group,
				"messageId", messageID, "previousClaimant", claimedBy.String)
		}

		var env model.Envelope
		if err := json.Unmarshal(envBytes, &env); err != nil {
			return pkgerrors.Wrap(pkgerrors.Protocol, err, "decoding envelope for %s", messageID)
		}
		delivery = Delivery{
			Payload:   env.Payload,
			MessageID: messageID,
			TsMs:      tsMs,
			Topic:     topic,
			Group:     s.group,
			ackToken:  id,
		}
		found = true
		return nil
	})
	if err != nil {
		return Delivery{}, false, err
	}
	if !found {
		return Delivery{}, false, nil
	}

	s.mu.Lock()
	if delivery.ackToken > s.lastSeen[topic] {
		s.lastSeen[topic] = delivery.ackToken
	}
	s.mu.Unlock()

	s.broker.metrics.Counter("messages_received").Inc()
	s.broker.metrics.Rate("messages_received", time.Minute).Record(1)
	s.broker.prom.Received.WithLabelValues(s.broker.name, delivery.Topic, s.group).Inc()
	return delivery, true, nil
}

// Ack acknowledges delivery for this subscriber's group: records the
// ack (a duplicate ack is a no-op, treated as already-idempotent
// success since redelivery can hand the same message to two claimants)
// and clears the claim so the row falls out of future claim scans.
func (s *Subscriber) Ack(ctx context.Context, d Delivery) error {
	err := withImmediateTx(ctx, s.broker.db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO acks (topic, "group", message_id, acked_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(topic, "group", message_id) DO NOTHING`,
			d.Topic, s.group, d.MessageID, time.Now().UnixMilli())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "acking %s", d.MessageID)
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE messages SET claimed_by = NULL, claimed_at = NULL WHERE id = ?`, d.ackToken); err != nil {
			return pkgerrors.Wrap(pkgerrors.Io, err, "clearing claim on %d", d.ackToken)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.broker.metrics.Counter("messages_acked").Inc()
	s.broker.prom.Acked.WithLabelValues(s.broker.name, d.Topic, s.group).Inc()
	slog.Debug("acked message", "topic", d.Topic, "group", s.group, "messageId", d.MessageID)
	return nil
}

// Close releases this subscriber's registration with the broker. Safe
// to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.deregister()
	return nil
}

var _ resource.Wrapped = (*Subscriber)(nil)
