package types

const maxContentBytes = 16 * 1024

// IsValidUserID reports whether id is a numeric platform user id. The
// broker handshake carries this value as a header, so the format is strict.
func IsValidUserID(id string) bool {
	if len(id) == 0 || len(id) > 20 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks an outgoing chat message before publish.
func (m ChatMessage) Validate() error {
	if !IsValidUserID(m.SenderID) {
		return ErrInvalidUserID
	}
	if m.ReceiverID == "" {
		return ErrMissingRecipient
	}
	if !IsValidUserID(m.ReceiverID) {
		return ErrInvalidUserID
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > maxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// ValidStatus reports whether s is a booking status this core understands.
func ValidStatus(s string) bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusFailed, BookingStatusCancelled:
		return true
	}
	return false
}
