// Package scheduler re-enqueues profiles whose data has gone stale.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/klyro/pkg/logger"
)

// DefaultSpec runs the refresher once an hour.
const DefaultSpec = "@hourly"

// Refresher enqueues refresh jobs for stale profiles and reports how many
// were queued.
type Refresher interface {
	RefreshStale(ctx context.Context) (int, error)
}

// Scheduler runs a Refresher on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron      *cron.Cron
	spec      string
	refresher Refresher
	timeout   time.Duration
	log       logger.Logger

	mu      sync.Mutex
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds a single refresh run.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New validates spec and returns a stopped scheduler.
func New(spec string, r Refresher, opts ...Option) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		spec:      spec,
		refresher: r,
		timeout:   10 * time.Minute,
		log:       logger.Get().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return s, nil
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.Run(context.WithoutCancel(ctx)) }); err != nil {
		return fmt.Errorf("schedule refresher: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info(ctx, "stale refresher scheduled", logger.String("spec", s.spec))
	return nil
}

// Run performs one refresh pass.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.refresher.RefreshStale(ctx)
	if err != nil {
		s.log.Error(ctx, "stale refresh failed", logger.Int("queued", n), logger.Error(err))
		return
	}
	s.log.Info(ctx, "stale refresh finished",
		logger.Int("queued", n),
		logger.Duration("elapsed", time.Since(start)),
	)
}

// Stop stops the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}
