package broker

import "errors"

var (
	ErrMissingIdentity  = errors.New("handshake is missing user identity")
	ErrIdentityMismatch = errors.New("user id header does not match token subject")
	ErrRateLimited      = errors.New("send rate limit exceeded")
)
