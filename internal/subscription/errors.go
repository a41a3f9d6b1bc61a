package subscription

import "errors"

var (
	ErrDuplicateTopic = errors.New("topic already has a subscription")
	ErrNilHandler     = errors.New("subscription handler cannot be nil")
)
