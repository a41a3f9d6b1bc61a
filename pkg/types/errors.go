package types

import "errors"

var (
	ErrInvalidUserID    = errors.New("user ID must be 1-20 digits")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content exceeds 16KB limit")
	ErrInvalidTopic     = errors.New("invalid topic address")
	ErrMissingRecipient = errors.New("message missing recipient")
)
