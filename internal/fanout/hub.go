// Package fanout delivers capture records to live observers with best-effort
// semantics: publishing never blocks the proxy path, and a subscriber that
// cannot keep up loses messages rather than slowing anyone down.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/tapwire/tapwire/internal/capture"
)

// Message is the envelope pushed to subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Subscriber is a handle onto one outbound buffer. Receive from C until Done
// is closed, then discard the handle.
type Subscriber struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// C is the subscriber's message channel. Delivery order matches publish
// order; dropped messages leave gaps, never reordering.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// Done is closed when the hub shuts down or the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub is the subscriber set. A single mutex guards membership; publish
// snapshots the set under the lock and sends outside it.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	logger *slog.Logger
	closed bool
}

// NewHub creates a hub whose subscribers get outbound buffers of the given
// size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ch:   make(chan Message, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the handle. Buffered messages are left for the garbage
// collector; the channel is never closed so a concurrent publish stays safe.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// Publish enqueues the message to every subscriber without blocking. A full
// buffer drops the message for that subscriber only.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- msg:
		default:
			h.logger.Debug("fanout: dropping message for slow subscriber",
				slog.String("type", msg.Type))
		}
	}
}

// PublishRequest broadcasts a captured request.
func (h *Hub) PublishRequest(req *capture.CaptureRequest) {
	h.Publish(Message{Type: capture.EntryRequest, Data: req})
}

// PublishResponse broadcasts a reconstructed response.
func (h *Hub) PublishResponse(resp *capture.CaptureResponse) {
	h.Publish(Message{Type: capture.EntryResponse, Data: resp})
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close signals every subscriber and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
