// Package worker drains the job queue with a fixed number of concurrent
// slots and re-enqueues failed jobs with exponential backoff.
package worker

import (
	"time"

	"github.com/okian/klyro/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetry sets the queue-level attempt ceiling and the first backoff delay.
// Attempt n is retried after backoff * 2^(n-1).
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(w *InMemoryWorker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// WithReleaser registers the tracker notified when a job settles for good.
func WithReleaser(r Releaser) Option {
	return func(w *InMemoryWorker) { w.releaser = r }
}
