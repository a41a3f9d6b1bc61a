package types

import "strings"

// SendDestination is the publish address for outgoing chat messages.
const SendDestination = "/app/chat.sendMessage"

const (
	inboxPrefix   = "/topic/messages/"
	bookingPrefix = "/topic/booking/"
)

// InboxTopic returns the per-user inbox topic address.
func InboxTopic(userID string) string {
	return inboxPrefix + userID
}

// BookingTopic returns the status topic address for one booking.
func BookingTopic(code, bookingType string) string {
	return bookingPrefix + code + "/type/" + bookingType
}

// IsInboxTopic reports whether topic is a per-user inbox address.
func IsInboxTopic(topic string) bool {
	return strings.HasPrefix(topic, inboxPrefix)
}

// ParseBookingTopic extracts (code, type) from a booking status topic.
// ok is false when topic is not a booking address.
func ParseBookingTopic(topic string) (code, bookingType string, ok bool) {
	rest, found := strings.CutPrefix(topic, bookingPrefix)
	if !found {
		return "", "", false
	}
	code, bookingType, found = strings.Cut(rest, "/type/")
	if !found || code == "" || bookingType == "" {
		return "", "", false
	}
	return code, bookingType, true
}
