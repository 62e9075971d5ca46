package broker

import "sync"

// notifyHub is the process-wide, per-topic wake-up edge: an insert
// trigger (here, the publish path calling notify directly, since this
// driver has no true database trigger) pushes a wake-up into that
// topic's buffer; receive() blocks on it. Modeled on
// pkg/drivers/memstore/pubsub.go's sync.Map-of-channels fan-out, but
// the payload here is just a wake-up signal, not the message itself —
// the claim statement is still the single source of truth (spec.md §9:
// "the trigger is only the wake-up edge, never the truth").
type notifyHub struct {
	mu     sync.Mutex
	topics map[string]chan struct{}
}

func newNotifyHub() *notifyHub {
	return &notifyHub{topics: make(map[string]chan struct{})}
}

func (h *notifyHub) channel(topic string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.topics[topic]
	if !ok {
		// Unbounded in spirit: buffered deep enough that a wake-up is
		// never lost to a full channel; a missed notification is
		// tolerated anyway because receivers retry via the claim
		// statement itself (spec.md §4.2.3, "notification-miss
		// tolerance").
		ch = make(chan struct{}, 4096)
		h.topics[topic] = ch
	}
	return ch
}

// Wake pushes one non-blocking wake-up token onto topic's buffer; a
// single waiting receiver consumes it.
func (h *notifyHub) Wake(topic string) {
	ch := h.channel(topic)
	select {
	case ch <- struct{}{}:
	default:
		// Buffer full: a wake-up is already pending, which is all a
		// subsequent retry needs.
	}
}

// Wait returns the channel to select on for topic's wake-ups.
func (h *notifyHub) Wait(topic string) <-chan struct{} {
	return h.channel(topic)
}

// Close releases every topic channel. New Wake/Wait calls after Close
// allocate fresh channels (the hub has no "closed" state of its own;
// resource-level closing is handled by the broker's usage-state).
func (h *notifyHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = make(map[string]chan struct{})
}
