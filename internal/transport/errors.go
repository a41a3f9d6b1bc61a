package transport

import "errors"

var (
	ErrNoIdentity       = errors.New("no identity: connection requires an authenticated user")
	ErrNotConnected     = errors.New("transport not connected")
	ErrManagerClosed    = errors.New("transport manager closed")
	ErrHandshakeFailed  = errors.New("broker handshake failed")
	ErrWriteTimeout     = errors.New("write timed out")
	ErrAlreadyConnected = errors.New("transport already connected for this identity")
)
