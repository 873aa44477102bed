package service

import (
	"time"

	"github.com/okian/klyro/internal/adapters/mq/queue"
	"github.com/okian/klyro/internal/adapters/repository"
	"github.com/okian/klyro/internal/domain/dedupe"
	"github.com/okian/klyro/internal/domain/ingest"
	"github.com/okian/klyro/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of concurrent job slots.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the default in-memory queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithJobRetry sets the queue-level attempt ceiling and first backoff.
func WithJobRetry(maxAttempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithStaleness sets the age after which completed data is refetched.
func WithStaleness(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleness = d
		}
	}
}

// WithStuckAfter sets how long a user may stay PENDING or PROCESSING before
// a refresh pass queues it again.
func WithStuckAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// WithRefreshSchedule sets the cron spec of the stale refresher. An empty
// spec disables it.
func WithRefreshSchedule(spec string) Option {
	return func(s *Service) {
		s.refreshSpec = spec
	}
}

// WithRefreshBatch bounds how many stale users one refresh pass enqueues.
func WithRefreshBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.refreshBatch = n
		}
	}
}

// WithStore sets the record store.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithQueue sets the work queue.
func WithQueue(q queue.Queue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

// WithDeduper sets the in-flight tracker.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		s.deduper = d
	}
}

// WithOrchestrator sets the job handler. It must write through the same
// store passed to WithStore.
func WithOrchestrator(o *ingest.Orchestrator) Option {
	return func(s *Service) {
		s.orch = o
	}
}

// WithPlatform sets the scoring configuration source.
func WithPlatform(p ingest.PlatformSource) Option {
	return func(s *Service) {
		s.platform = p
	}
}

// WithUsernameValidator enables the code-host username pre-flight check.
func WithUsernameValidator(v UsernameValidator) Option {
	return func(s *Service) {
		s.usernames = v
	}
}

// WithCloser registers a cleanup hook run by Stop, in reverse order.
func WithCloser(fn func() error) Option {
	return func(s *Service) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
