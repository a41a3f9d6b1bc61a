package tracker

import "errors"

var (
	ErrMissingBookingRef = errors.New("booking code and type are both required")
	ErrNilSubscriptions  = errors.New("subscriptions cannot be nil")
)
