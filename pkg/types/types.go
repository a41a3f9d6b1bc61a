package types

import (
	"time"

	"github.com/goccy/go-json"
)

// Booking status values carried by status frames. These mirror the values
// emitted by the booking workflow backend.
const (
	BookingStatusPending   = "PENDING"
	BookingStatusConfirmed = "CONFIRMED"
	BookingStatusFailed    = "FAILED"
	BookingStatusCancelled = "CANCELLED"
)

// DuplicateWindow is the interval inside which two messages with the same
// sender and content are treated as one delivery.
const DuplicateWindow = time.Second

// ChatMessage is an immutable chat event exchanged between a customer and a
// business or support agent. Ordering key is Timestamp; arrival order breaks
// ties.
type ChatMessage struct {
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// PartnerOf returns the id of the other participant relative to userID.
func (m ChatMessage) PartnerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// SameAs reports whether other is a duplicate delivery of m: same sender,
// same content, timestamps within DuplicateWindow.
func (m ChatMessage) SameAs(other ChatMessage) bool {
	if m.SenderID != other.SenderID || m.Content != other.Content {
		return false
	}
	d := m.Timestamp.Sub(other.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= DuplicateWindow
}

// Conversation is one chat thread between the current user and a partner.
// Messages is loaded lazily when the conversation is opened.
type Conversation struct {
	PartnerID    string        `json:"partnerId"`
	PartnerName  string        `json:"partnerName"`
	AvatarURL    string        `json:"avatarUrl,omitempty"`
	Online       bool          `json:"online"`
	LastMessage  string        `json:"lastMessage"`
	LastActivity time.Time     `json:"lastActivity"`
	UnreadCount  int           `json:"unreadCount"`
	Messages     []ChatMessage `json:"messages,omitempty"`
}

// PartnerSummary is the minimal partner profile fetched from the directory
// collaborator when a message arrives from an unknown partner.
type PartnerSummary struct {
	PartnerID   string `json:"partnerId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online"`
}

// UserRecord is the broker-side view of a platform user, kept for history
// and directory lookups.
type UserRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// StatusUpdate is the payload of a booking-status frame.
type StatusUpdate struct {
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Frame ops understood on the wire. Clients send subscribe, unsubscribe and
// send; the broker sends message and error. Heartbeats ride websocket
// control frames, not the envelope.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSend        = "send"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the envelope for every frame on the broker socket.
type Frame struct {
	Op          string          `json:"op"`
	ID          string          `json:"id,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Error       string          `json:"error,omitempty"`
}
