package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tripstream/internal/identity"
	"tripstream/pkg/interfaces"
	"tripstream/pkg/types"
)

const (
	serverHeartbeat = 4 * time.Second
	writeTimeout    = 5 * time.Second
	maxFrameSize    = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the development broker: it authenticates sockets, tracks topic
// subscriptions through the hub, and turns chat publishes into persisted,
// fanned-out inbox deliveries.
type Server struct {
	hub    *Hub
	store  interfaces.HistoryStore
	signer *identity.Signer
	logger *slog.Logger

	sendRate  rate.Limit
	sendBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires the broker endpoint. sendRate and sendBurst bound how fast
// a single user may publish chat messages.
func NewServer(hub *Hub, store interfaces.HistoryStore, signer *identity.Signer, sendRate float64, sendBurst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:       hub,
		store:     store,
		signer:    signer,
		logger:    logger,
		sendRate:  rate.Limit(sendRate),
		sendBurst: sendBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Hub exposes the fanout registry for collaborators such as the status API.
func (s *Server) Hub() *Hub { return s.hub }

// PublishStatus fans a booking status update out to that booking's topic.
func (s *Server) PublishStatus(code, bookingType string, update types.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	s.hub.Publish(types.BookingTopic(code, bookingType), body)
	return nil
}

// authenticate validates the handshake headers before upgrading.
func (s *Server) authenticate(r *http.Request) (*identity.Claims, error) {
	userID := r.Header.Get("X-User-ID")
	token := bearerToken(r)
	if userID == "" || token == "" {
		return nil, ErrMissingIdentity
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, ErrIdentityMismatch
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// HandleWS upgrades an authenticated request and services frames until the
// socket drops.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("rejected handshake", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(uuid.New().String(), claims.Subject, ws, s.logger)
	s.hub.register(conn)
	s.recordPresence(claims)

	s.logger.Info("subscriber connected", "user", conn.userID, "conn", conn.id)
	go conn.writeLoop(serverHeartbeat, writeTimeout)
	s.readLoop(conn)

	s.hub.drop(conn)
	conn.close()
	s.logger.Info("subscriber disconnected", "user", conn.userID, "conn", conn.id)
}

// recordPresence keeps the directory's user table current from token claims.
func (s *Server) recordPresence(claims *identity.Claims) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.UpsertUser(ctx, &types.UserRecord{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
		LastSeen:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to record presence", "user", claims.Subject, "error", err)
	}
}

func (s *Server) readLoop(conn *connection) {
	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(3 * serverHeartbeat))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(3 * serverHeartbeat))
	})
	conn.ws.SetPingHandler(func(appData string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(3 * serverHeartbeat))
		return conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("subscriber read failed", "user", conn.userID, "error", err)
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.send(types.Frame{Op: types.OpError, Error: "malformed frame"})
			continue
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Server) handleFrame(conn *connection, frame types.Frame) {
	switch frame.Op {
	case types.OpSubscribe:
		s.handleSubscribe(conn, frame)
	case types.OpUnsubscribe:
		if frame.Topic != "" {
			s.hub.unsubscribe(conn, frame.Topic)
		}
	case types.OpSend:
		s.handleSend(conn, frame)
	default:
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "unsupported op"})
	}
}

// handleSubscribe enforces that a user may only watch their own inbox.
// Booking topics are open to any authenticated subscriber.
func (s *Server) handleSubscribe(conn *connection, frame types.Frame) {
	topic := frame.Topic
	if types.IsInboxTopic(topic) {
		if topic != types.InboxTopic(conn.userID) {
			conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "forbidden topic"})
			return
		}
	} else if _, _, ok := types.ParseBookingTopic(topic); !ok {
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "unknown topic"})
		return
	}
	s.hub.subscribe(conn, topic)
}

// handleSend persists a chat message and publishes it to both participants'
// inbox topics. The sender's own inbox gets a copy so their other devices
// stay in sync; the client's duplicate window absorbs the echo locally.
func (s *Server) handleSend(conn *connection, frame types.Frame) {
	if frame.Destination != types.SendDestination {
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "unknown destination"})
		return
	}
	if !s.limiter(conn.userID).Allow() {
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: ErrRateLimited.Error()})
		return
	}

	var msg types.ChatMessage
	if err := json.Unmarshal(frame.Body, &msg); err != nil {
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "malformed message"})
		return
	}
	// The socket identity is authoritative, whatever the payload claims.
	msg.SenderID = conn.userID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveMessage(ctx, &msg); err != nil {
		s.logger.Error("failed to persist message", "sender", msg.SenderID, "error", err)
		conn.send(types.Frame{Op: types.OpError, ID: frame.ID, Error: "message not accepted"})
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "error", err)
		return
	}
	s.hub.Publish(types.InboxTopic(msg.ReceiverID), body)
	s.hub.Publish(types.InboxTopic(msg.SenderID), body)
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(s.sendRate, s.sendBurst)
		s.limiters[userID] = lim
	}
	return lim
}
