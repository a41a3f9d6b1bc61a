// Package conversation maintains the ordered list of chat threads for one
// session: live-message reconciliation, unread counts, lazy history and
// optimistic sends.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tripstream/internal/metrics"
	"tripstream/pkg/interfaces"
	"tripstream/pkg/types"
)

// UpsertResult describes what a live message did to the store. The router
// uses it to decide on sound and unread-badge side effects.
type UpsertResult struct {
	PartnerID string
	Created   bool
	Duplicate bool
	// Open is true when the message landed in the currently open thread.
	Open bool
	// Inbound is true when the current user is the receiver.
	Inbound bool
}

// Store is the conversation reconciliation store. All mutation goes through
// the message router and the UI-facing methods; readers get copies.
type Store struct {
	userID string
	dir    interfaces.Directory
	pub    interfaces.MessagePublisher
	logger *slog.Logger

	mu    sync.Mutex
	list  []*types.Conversation // head is most recent activity
	index map[string]*types.Conversation
	open  string
	// last delivery per partner, for the duplicate window
	last map[string]types.ChatMessage
}

// NewStore creates an empty store for userID.
func NewStore(userID string, dir interfaces.Directory, pub interfaces.MessagePublisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		userID: userID,
		dir:    dir,
		pub:    pub,
		logger: logger,
		index:  make(map[string]*types.Conversation),
		last:   make(map[string]types.ChatMessage),
	}
}

// UpsertFromLiveMessage merges one live message into the list. Known
// partners are moved to the head with an updated preview; unknown partners
// get a fresh entry seeded from the directory. Duplicate deliveries inside
// the one-second window are absorbed.
func (s *Store) UpsertFromLiveMessage(ctx context.Context, msg types.ChatMessage) UpsertResult {
	partner := msg.PartnerOf(s.userID)
	inbound := msg.SenderID != s.userID

	s.mu.Lock()
	if last, seen := s.last[partner]; seen && msg.SameAs(last) {
		s.mu.Unlock()
		metrics.DuplicatesSuppressed.Inc()
		s.logger.Debug("suppressed duplicate delivery", "partner", partner)
		return UpsertResult{PartnerID: partner, Duplicate: true, Inbound: inbound}
	}
	s.last[partner] = msg

	if conv, exists := s.index[partner]; exists {
		open := s.open == partner
		conv.LastMessage = msg.Content
		conv.LastActivity = msg.Timestamp
		if open {
			conv.Messages = append(conv.Messages, msg)
		} else if inbound {
			conv.UnreadCount++
		}
		s.moveToFrontLocked(conv)
		s.mu.Unlock()
		return UpsertResult{PartnerID: partner, Open: open, Inbound: inbound}
	}
	s.mu.Unlock()

	// Unknown partner: seed the entry from the directory. A failed lookup
	// still produces an entry so the message is never lost.
	summary, err := s.dir.PartnerSummary(ctx, partner)
	if err != nil {
		s.logger.Warn("partner lookup failed", "partner", partner, "error", err)
		summary = &types.PartnerSummary{PartnerID: partner, DisplayName: partner}
	}

	conv := &types.Conversation{
		PartnerID:    partner,
		PartnerName:  summary.DisplayName,
		AvatarURL:    summary.AvatarURL,
		Online:       summary.Online,
		LastMessage:  msg.Content,
		LastActivity: msg.Timestamp,
	}
	if inbound {
		conv.UnreadCount = 1
	}

	s.mu.Lock()
	if existing, exists := s.index[partner]; exists {
		// Lost the race against another live message for the same partner.
		existing.LastMessage = msg.Content
		existing.LastActivity = msg.Timestamp
		if inbound {
			existing.UnreadCount++
		}
		s.moveToFrontLocked(existing)
		s.mu.Unlock()
		return UpsertResult{PartnerID: partner, Inbound: inbound}
	}
	s.index[partner] = conv
	s.list = append([]*types.Conversation{conv}, s.list...)
	s.mu.Unlock()

	return UpsertResult{PartnerID: partner, Created: true, Inbound: inbound}
}

// SelectConversation opens a thread: fetches the full history (oldest to
// newest), replaces any previously loaded messages and clears the unread
// count. A partner without an entry yet gets one seeded from the directory.
func (s *Store) SelectConversation(ctx context.Context, partnerID string) (types.Conversation, error) {
	if !types.IsValidUserID(partnerID) {
		return types.Conversation{}, types.ErrInvalidUserID
	}

	history, err := s.dir.History(ctx, s.userID, partnerID)
	if err != nil {
		return types.Conversation{}, err
	}

	s.mu.Lock()
	conv, exists := s.index[partnerID]
	s.mu.Unlock()

	if !exists {
		summary, err := s.dir.PartnerSummary(ctx, partnerID)
		if err != nil {
			return types.Conversation{}, err
		}
		conv = &types.Conversation{
			PartnerID:   partnerID,
			PartnerName: summary.DisplayName,
			AvatarURL:   summary.AvatarURL,
			Online:      summary.Online,
		}
		s.mu.Lock()
		if raced, ok := s.index[partnerID]; ok {
			conv = raced
		} else {
			s.index[partnerID] = conv
			s.list = append(s.list, conv)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	conv.Messages = history
	conv.UnreadCount = 0
	if n := len(history); n > 0 {
		conv.LastMessage = history[n-1].Content
		conv.LastActivity = history[n-1].Timestamp
		s.last[partnerID] = history[n-1]
	}
	s.open = partnerID
	snapshot := *conv
	s.mu.Unlock()

	return snapshot, nil
}

// CloseConversation marks no thread as open.
func (s *Store) CloseConversation() {
	s.mu.Lock()
	s.open = ""
	s.mu.Unlock()
}

// OpenPartner returns the partner id of the open thread, or empty.
func (s *Store) OpenPartner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send publishes a message optimistically: the local append happens
// immediately and is never rolled back, even when the broker publish fails.
func (s *Store) Send(ctx context.Context, partnerID, content string) (types.ChatMessage, error) {
	msg := types.ChatMessage{
		SenderID:   s.userID,
		ReceiverID: partnerID,
		Content:    content,
		Timestamp:  time.Now(),
	}
	if err := msg.Validate(); err != nil {
		return types.ChatMessage{}, err
	}

	s.UpsertFromLiveMessage(ctx, msg)

	if err := s.pub.SendChatMessage(msg); err != nil {
		// Accepted limitation: no retry, no rollback, no failure UI.
		metrics.PublishFailures.Inc()
		s.logger.Warn("publish failed, message kept locally", "partner", partnerID, "error", err)
	}
	return msg, nil
}

// List returns the conversations ordered by most recent activity first.
func (s *Store) List() []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Conversation, 0, len(s.list))
	for _, conv := range s.list {
		out = append(out, *conv)
	}
	return out
}

// Get returns one conversation by partner id.
func (s *Store) Get(partnerID string) (types.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, exists := s.index[partnerID]
	if !exists {
		return types.Conversation{}, false
	}
	return *conv, true
}

// TotalUnread sums unread counts across all conversations for the global
// badge.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, conv := range s.list {
		total += conv.UnreadCount
	}
	return total
}

// moveToFrontLocked reinserts conv at the head. The list is kept ordered by
// reinsertion, never by re-sorting.
func (s *Store) moveToFrontLocked(conv *types.Conversation) {
	for i, c := range s.list {
		if c == conv {
			if i == 0 {
				return
			}
			copy(s.list[1:i+1], s.list[0:i])
			s.list[0] = conv
			return
		}
	}
	s.list = append([]*types.Conversation{conv}, s.list...)
}
