package service

import "errors"

// Sentinel errors returned by the service entry points.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotStarted     = errors.New("service not started")
)
