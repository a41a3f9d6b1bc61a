package broker

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"tripstream/internal/metrics"
	"tripstream/pkg/types"
)

// Hub fans published frames out to topic subscribers. With a backplane
// configured, publishes go through redis and come back via the backplane
// subscription, so multiple broker instances see every frame.
type Hub struct {
	logger    *slog.Logger
	backplane *Backplane

	mu     sync.RWMutex
	topics map[string]map[*connection]struct{}
	users  map[string]int // live connection count per user
}

// NewHub creates an empty hub. backplane may be nil for single-instance
// deployments.
func NewHub(backplane *Backplane, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		backplane: backplane,
		topics:    make(map[string]map[*connection]struct{}),
		users:     make(map[string]int),
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.users[c.userID]++
	h.mu.Unlock()
}

// subscribe adds a connection to a topic.
func (h *Hub) subscribe(c *connection, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*connection]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

// unsubscribe removes a connection from a topic, cleaning up empty sets.
func (h *Hub) unsubscribe(c *connection, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// drop removes a connection from every topic when its socket dies.
func (h *Hub) drop(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if n := h.users[c.userID]; n <= 1 {
		delete(h.users, c.userID)
	} else {
		h.users[c.userID] = n - 1
	}
}

// IsOnline reports whether a user has at least one live connection on this
// instance.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}

// Publish delivers body to every subscriber of topic. The backplane, when
// configured, is the only publish path so frames reach other instances.
func (h *Hub) Publish(topic string, body json.RawMessage) {
	if h.backplane != nil {
		if err := h.backplane.Publish(topic, body); err != nil {
			h.logger.Error("backplane publish failed, delivering locally", "topic", topic, "error", err)
			h.publishLocal(topic, body)
		}
		return
	}
	h.publishLocal(topic, body)
}

// publishLocal fans out to subscribers on this instance only.
func (h *Hub) publishLocal(topic string, body json.RawMessage) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	kind := "booking"
	if strings.HasPrefix(topic, "/topic/messages/") {
		kind = "inbox"
	}
	metrics.BrokerPublished.WithLabelValues(kind).Inc()

	frame := types.Frame{Op: types.OpMessage, Topic: topic, Body: body}
	for _, c := range conns {
		c.send(frame)
	}
}
