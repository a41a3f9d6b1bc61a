package session

import "errors"

var (
	ErrNotLoggedIn   = errors.New("no active session")
	ErrSessionClosed = errors.New("session is closed")
	ErrTrackerExists = errors.New("tracker already open for this booking")
)
