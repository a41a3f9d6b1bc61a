// Package interfaces defines the contracts between the real-time core and
// its collaborators. Implementations live in internal packages; tests use
// lightweight fakes.
package interfaces

import (
	"context"

	"tripstream/pkg/types"
)

// Directory is the request/response boundary to the platform's user and
// chat-history services. The core only merges these results into its own
// state; it never owns them.
type Directory interface {
	// PartnerSummary fetches the minimal profile for a chat partner.
	PartnerSummary(ctx context.Context, partnerID string) (*types.PartnerSummary, error)
	// History fetches the full message list between two users, oldest
	// first.
	History(ctx context.Context, userID, partnerID string) ([]types.ChatMessage, error)
	// CheckReachable verifies a counterpart can be contacted by email and
	// returns its profile. This is the consultation entry point.
	CheckReachable(ctx context.Context, email string) (*types.PartnerSummary, error)
}

// MessagePublisher sends outgoing chat messages to the broker. The
// conversation store publishes through this contract only.
type MessagePublisher interface {
	SendChatMessage(msg types.ChatMessage) error
}

// HistoryStore is the broker-side persistence for messages and users.
type HistoryStore interface {
	SaveMessage(ctx context.Context, msg *types.ChatMessage) error
	History(ctx context.Context, userID, partnerID string) ([]types.ChatMessage, error)
	UpsertUser(ctx context.Context, user *types.UserRecord) error
	GetUser(ctx context.Context, id string) (*types.UserRecord, error)
	FindUserByEmail(ctx context.Context, email string) (*types.UserRecord, error)
	LastMessage(ctx context.Context, userID, partnerID string) (*types.ChatMessage, error)
	Close() error
}
