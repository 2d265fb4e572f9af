package comms

import "errors"

var (
	ErrInvalidAddress = errors.New("invalid peer address")
	ErrNotRunning     = errors.New("peer manager not running")
	ErrAlreadyStarted = errors.New("peer manager already started")
	ErrNotLive        = errors.New("connection is down")
)
