package directory

import "errors"

var (
	ErrNotFound         = errors.New("directory entry not found")
	ErrEmptyEmail       = errors.New("email cannot be empty")
	ErrUnexpectedStatus = errors.New("unexpected directory response")
)
