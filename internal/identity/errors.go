package identity

import "errors"

var (
	ErrEmptySecret             = errors.New("signing secret cannot be empty")
	ErrInvalidToken            = errors.New("invalid identity token")
	ErrUnexpectedSigningMethod = errors.New("unexpected token signing method")
)
