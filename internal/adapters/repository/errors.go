package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound        = errors.New("user not found")
	ErrAddressOwned    = errors.New("address already linked to another user")
	ErrInvalidIdentity = errors.New("identity needs a username or at least one address")
	ErrInvalidDomain   = errors.New("unknown domain")
)
