// Package routing turns raw inbox frames into conversation updates and
// typed notification events. Dispatch by topic happens in the subscription
// registry; this router owns the inbox payload semantics.
package routing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"tripstream/internal/conversation"
	"tripstream/internal/metrics"
	"tripstream/pkg/types"
)

const notificationBuffer = 32

// Notification is the side effect of an inbound message that landed
// outside the open conversation: play the sound once and bump the global
// badge. Consumers read these off Notifications().
type Notification struct {
	PartnerID   string
	PlaySound   bool
	UnreadDelta int
	TotalUnread int
}

// Router consumes inbox frames for one session.
type Router struct {
	userID string
	store  *conversation.Store
	logger *slog.Logger

	notifCh chan Notification

	mu              sync.Mutex
	messagingActive bool
}

// NewRouter creates a router feeding the given store.
func NewRouter(userID string, store *conversation.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		userID:  userID,
		store:   store,
		logger:  logger,
		notifCh: make(chan Notification, notificationBuffer),
	}
}

// Notifications is the stream of sound/badge events. The channel is
// buffered; events are dropped, not blocked on, when nobody reads them.
func (r *Router) Notifications() <-chan Notification {
	return r.notifCh
}

// SetMessagingActive records whether the user is inside the messaging
// section. While active, sounds and badge bumps are suppressed; the
// per-conversation unread counts still update.
func (r *Router) SetMessagingActive(active bool) {
	r.mu.Lock()
	r.messagingActive = active
	r.mu.Unlock()
}

// HandleInbox consumes one frame from the per-user inbox topic. Malformed
// frames are dropped with no state change.
func (r *Router) HandleInbox(topic string, body json.RawMessage) {
	var msg types.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		r.logger.Warn("dropping malformed inbox frame", "error", err)
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if msg.SenderID == "" || msg.ReceiverID == "" {
		r.logger.Warn("dropping inbox frame without participants")
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesRouted.WithLabelValues("inbox").Inc()

	res := r.store.UpsertFromLiveMessage(context.Background(), msg)
	if res.Duplicate || res.Open || !res.Inbound {
		return
	}

	r.mu.Lock()
	suppressed := r.messagingActive
	r.mu.Unlock()
	if suppressed {
		return
	}

	n := Notification{
		PartnerID:   res.PartnerID,
		PlaySound:   true,
		UnreadDelta: 1,
		TotalUnread: r.store.TotalUnread(),
	}
	select {
	case r.notifCh <- n:
	default:
		r.logger.Debug("notification dropped, no consumer", "partner", n.PartnerID)
	}
}
