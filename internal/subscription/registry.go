// Package subscription tracks topic subscriptions against the shared
// broker connection. Subscribing before the transport is connected never
// fails: requests are queued and installed inside the connected callback.
package subscription

import (
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"tripstream/internal/metrics"
	"tripstream/pkg/types"
)

// Handler consumes the body of frames delivered on one topic.
type Handler func(topic string, body json.RawMessage)

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(frame types.Frame) error
}

// Handle identifies one active subscription.
type Handle struct {
	id    string
	topic string
}

// Topic returns the subscribed topic address.
func (h *Handle) Topic() string { return h.topic }

type entry struct {
	handle  *Handle
	handler Handler
}

// Registry is the bookkeeping for all subscriptions of one session.
type Registry struct {
	pub    Publisher
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[string]*entry
	connected bool
}

// NewRegistry creates an empty registry publishing through pub.
func NewRegistry(pub Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pub:    pub,
		logger: logger,
		subs:   make(map[string]*entry),
	}
}

// Subscribe registers a handler for topic. At most one subscription per
// topic may exist; the per-session inbox singleton falls out of this by
// construction. When the transport is not yet connected the subscribe frame
// is deferred until the connected callback.
func (r *Registry) Subscribe(topic string, handler Handler) (*Handle, error) {
	if topic == "" {
		return nil, types.ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	r.mu.Lock()
	if _, exists := r.subs[topic]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateTopic
	}
	h := &Handle{id: uuid.New().String(), topic: topic}
	r.subs[topic] = &entry{handle: h, handler: handler}
	connected := r.connected
	r.mu.Unlock()

	if connected {
		r.sendSubscribe(h)
	}
	return h, nil
}

// Unsubscribe removes a subscription. It is idempotent and safe to call
// after the transport has dropped.
func (r *Registry) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}

	r.mu.Lock()
	e, exists := r.subs[handle.topic]
	if !exists || e.handle.id != handle.id {
		r.mu.Unlock()
		return
	}
	delete(r.subs, handle.topic)
	connected := r.connected
	r.mu.Unlock()

	if connected {
		if err := r.pub.Publish(types.Frame{Op: types.OpUnsubscribe, ID: handle.id, Topic: handle.topic}); err != nil {
			r.logger.Debug("unsubscribe frame not sent", "topic", handle.topic, "error", err)
		}
	}
}

// HandleConnected installs every pending subscription. The transport calls
// it after each successful handshake, so reconnects replay the full set.
func (r *Registry) HandleConnected() {
	r.mu.Lock()
	r.connected = true
	handles := make([]*Handle, 0, len(r.subs))
	for _, e := range r.subs {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.sendSubscribe(h)
	}
}

// HandleDisconnected marks the transport down; subscriptions stay
// registered for replay on reconnect.
func (r *Registry) HandleDisconnected() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// Dispatch routes one inbound frame to its topic handler. Frames for
// topics without a live subscription are dropped silently; this covers
// booking topics whose tracker has already been torn down.
func (r *Registry) Dispatch(topic string, body json.RawMessage) {
	r.mu.Lock()
	e, exists := r.subs[topic]
	r.mu.Unlock()

	if !exists {
		r.logger.Debug("dropping frame without subscription", "topic", topic)
		metrics.FramesDropped.WithLabelValues("no_subscription").Inc()
		return
	}
	e.handler(topic, body)
}

// Active reports whether topic currently has a subscription.
func (r *Registry) Active(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.subs[topic]
	return exists
}

func (r *Registry) sendSubscribe(h *Handle) {
	if err := r.pub.Publish(types.Frame{Op: types.OpSubscribe, ID: h.id, Topic: h.topic}); err != nil {
		// The transport dropped between the connected callback and this
		// publish; the reconnect replay will pick the topic up again.
		r.logger.Debug("subscribe frame not sent", "topic", h.topic, "error", err)
	}
}
