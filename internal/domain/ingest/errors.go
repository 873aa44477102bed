package ingest

import "errors"

// Sentinel errors.
var (
	// ErrDomainFailed means a required domain is not COMPLETED after a run.
	ErrDomainFailed = errors.New("ingest: required domain not completed")
	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("ingest: panic during orchestration")
)
