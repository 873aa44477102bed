package chain

import "errors"

// Sentinel errors.
var (
	ErrNetworksFailed = errors.New("chain: one or more networks failed")
	ErrNoNetworks     = errors.New("chain: no enabled networks")
	ErrNoReceipt      = errors.New("chain: receipt not found")
)
