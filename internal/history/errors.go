package history

import "errors"

var (
	ErrStoreClosed  = errors.New("history store is closed")
	ErrWriteTimeout = errors.New("history write timed out")
	ErrNilMessage   = errors.New("message cannot be nil")
	ErrNotFound     = errors.New("record not found")
)
