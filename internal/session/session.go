// Package session is the facade over the real-time core. One Session owns
// one broker connection and everything multiplexed onto it: the inbox
// subscription, the conversation store and any open booking trackers.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"tripstream/internal/conversation"
	"tripstream/internal/routing"
	"tripstream/internal/subscription"
	"tripstream/internal/tracker"
	"tripstream/internal/transport"
	"tripstream/pkg/interfaces"
	"tripstream/pkg/types"
)

// Credentials identify the session owner.
type Credentials struct {
	UserID string
	Token  string
}

// Session multiplexes chat and booking tracking over a single transport.
// Callbacks are wired into the manager exactly once at construction; Login
// swaps the per-identity state they delegate to.
type Session struct {
	manager *transport.Manager
	dir     interfaces.Directory
	logger  *slog.Logger

	mu       sync.Mutex
	userID   string
	registry *subscription.Registry
	store    *conversation.Store
	router   *routing.Router
	inbox    *subscription.Handle
	trackers map[string]*tracker.Tracker
	closed   bool
}

// New creates a logged-out session against the broker at opts.BrokerURL.
func New(opts transport.Options, dir interfaces.Directory, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		manager:  transport.NewManager(opts, logger),
		dir:      dir,
		logger:   logger,
		trackers: make(map[string]*tracker.Tracker),
	}
	s.manager.OnFrame(s.dispatch)
	s.manager.OnConnected(s.handleConnected)
	s.manager.OnState(s.handleState)
	return s
}

// Login connects the transport for creds and installs a fresh conversation
// store, router and inbox subscription. Logging in again as the same user
// while connected is a no-op; a different identity replaces the session
// state wholesale.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	if !types.IsValidUserID(creds.UserID) {
		return types.ErrInvalidUserID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.userID == creds.UserID && s.manager.State() == transport.StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked()

	registry := subscription.NewRegistry(s.manager, s.logger)
	store := conversation.NewStore(creds.UserID, s.dir, publisher{m: s.manager}, s.logger)
	router := routing.NewRouter(creds.UserID, store, s.logger)

	// Queued until the connected callback replays it; reconnects replay it
	// again. One inbox per session falls out of the registry's topic
	// uniqueness.
	inbox, err := registry.Subscribe(types.InboxTopic(creds.UserID), router.HandleInbox)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.userID = creds.UserID
	s.registry = registry
	s.store = store
	s.router = router
	s.inbox = inbox
	s.mu.Unlock()

	// Connect outside the lock: the connected callback re-enters the
	// session to replay subscriptions.
	return s.manager.Connect(ctx, transport.Credentials{UserID: creds.UserID, Token: creds.Token})
}

// Logout tears the transport down and discards all session state.
func (s *Session) Logout() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.manager.Disconnect()
}

// Close ends the session permanently.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.resetLocked()
	s.mu.Unlock()
	s.manager.Close()
}

// resetLocked drops per-identity state. Caller holds s.mu.
func (s *Session) resetLocked() {
	for _, t := range s.trackers {
		t.Stop()
	}
	s.trackers = make(map[string]*tracker.Tracker)
	s.userID = ""
	s.registry = nil
	s.store = nil
	s.router = nil
	s.inbox = nil
}

// State returns the transport state.
func (s *Session) State() transport.State {
	return s.manager.State()
}

// Store returns the conversation store of the active session.
func (s *Session) Store() (*conversation.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil, ErrNotLoggedIn
	}
	return s.store, nil
}

// Notifications returns the sound/badge event stream of the active session.
// The channel is replaced on every login.
func (s *Session) Notifications() (<-chan routing.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil {
		return nil, ErrNotLoggedIn
	}
	return s.router.Notifications(), nil
}

// SetMessagingActive forwards the messaging-section visibility flag to the
// router. It is a no-op while logged out.
func (s *Session) SetMessagingActive(active bool) {
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.SetMessagingActive(active)
	}
}

// CheckReachable verifies a counterpart by email before starting a
// consultation thread.
func (s *Session) CheckReachable(ctx context.Context, email string) (*types.PartnerSummary, error) {
	return s.dir.CheckReachable(ctx, email)
}

// OpenTracker starts tracking one booking's confirmation. At most one
// tracker per booking may be open; a transport already in the failed state
// terminates the tracker immediately.
func (s *Session) OpenTracker(code, bookingType string, onUpdate func(tracker.Snapshot)) (*tracker.Tracker, error) {
	s.mu.Lock()
	if s.registry == nil {
		s.mu.Unlock()
		return nil, ErrNotLoggedIn
	}
	key := code + "/" + bookingType
	if _, exists := s.trackers[key]; exists {
		s.mu.Unlock()
		return nil, ErrTrackerExists
	}
	registry := s.registry
	s.mu.Unlock()

	t, err := tracker.New(code, bookingType, registry, s.logger)
	if err != nil {
		return nil, err
	}
	if onUpdate != nil {
		t.OnUpdate(onUpdate)
	}
	if err := t.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.registry != registry {
		// Logged out while starting.
		s.mu.Unlock()
		t.Stop()
		return nil, ErrNotLoggedIn
	}
	s.trackers[key] = t
	s.mu.Unlock()

	if s.manager.State() == transport.StateFailed {
		t.MarkConnectionError()
	}
	return t, nil
}

// CloseTracker stops the tracker for one booking, if open.
func (s *Session) CloseTracker(code, bookingType string) {
	s.mu.Lock()
	key := code + "/" + bookingType
	t, exists := s.trackers[key]
	delete(s.trackers, key)
	s.mu.Unlock()

	if exists {
		t.Stop()
	}
}

// dispatch hands inbound frames to the active registry.
func (s *Session) dispatch(topic string, body json.RawMessage) {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry != nil {
		registry.Dispatch(topic, body)
	}
}

// handleConnected replays subscriptions after every successful handshake.
func (s *Session) handleConnected() {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry != nil {
		registry.HandleConnected()
	}
}

// handleState reacts to transport transitions. Reconnecting pauses the
// registry but keeps trackers pending; a failed transport is terminal for
// every open tracker.
func (s *Session) handleState(state transport.State) {
	s.mu.Lock()
	registry := s.registry
	var trackers []*tracker.Tracker
	if state == transport.StateFailed {
		for _, t := range s.trackers {
			trackers = append(trackers, t)
		}
	}
	s.mu.Unlock()

	switch state {
	case transport.StateReconnecting, transport.StateDisconnected, transport.StateFailed:
		if registry != nil {
			registry.HandleDisconnected()
		}
	}
	for _, t := range trackers {
		t.MarkConnectionError()
	}
}

// publisher adapts the transport to the conversation store's outbound
// contract.
type publisher struct {
	m *transport.Manager
}

func (p publisher) SendChatMessage(msg types.ChatMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.m.Publish(types.Frame{
		Op:          types.OpSend,
		Destination: types.SendDestination,
		Body:        body,
	})
}
