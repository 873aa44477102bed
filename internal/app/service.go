// Package service wires the ingestion pipeline together and exposes the
// entry points used by the HTTP API: Analyze, Status, Profile and Verify.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/okian/klyro/internal/adapters/mq/queue"
	"github.com/okian/klyro/internal/adapters/mq/worker"
	"github.com/okian/klyro/internal/adapters/repository"
	"github.com/okian/klyro/internal/adapters/scheduler"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/dedupe"
	"github.com/okian/klyro/internal/domain/gate"
	"github.com/okian/klyro/internal/domain/ingest"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
)

// Rejection reasons returned by Analyze.
const (
	ReasonInvalidUsername = "invalid_username"
)

const (
	defaultRefreshBatch = 500
	defaultStuckAfter   = time.Hour
)

// UsernameValidator checks that a code-host account exists.
type UsernameValidator interface {
	IsValidUsername(ctx context.Context, username string) bool
}

// AnalyzeRequest asks for a user's record to be (re)computed.
type AnalyzeRequest struct {
	Username     string   `json:"username"`
	Addresses    []string `json:"addresses"`
	Email        string   `json:"email,omitempty"`
	DID          string   `json:"did,omitempty"`
	IssuerID     string   `json:"issuerId,omitempty"`
	ForceRefresh bool     `json:"forceRefresh,omitempty"`
}

// AnalyzeResult acknowledges an Analyze call. Exactly one of Queued,
// AlreadyQueued, Cached or Rejected is set.
type AnalyzeResult struct {
	UserID        uuid.UUID      `json:"userId,omitempty"`
	Status        model.Status   `json:"status,omitempty"`
	Queued        bool           `json:"queued"`
	AlreadyQueued bool           `json:"alreadyQueued,omitempty"`
	Cached        bool           `json:"cached"`
	Rejected      bool           `json:"rejected,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	Profile       *model.Profile `json:"profile,omitempty"`
}

// StatusView is the aggregate and per-domain status of one user.
type StatusView struct {
	UserID        uuid.UUID                          `json:"userId"`
	Status        model.Status                       `json:"status"`
	LastFetchedAt *time.Time                         `json:"lastFetchedAt,omitempty"`
	InFlight      bool                               `json:"inFlight"`
	Domains       map[model.Domain]model.DomainState `json:"domains"`
}

// Service implements the API dependencies for the ingestion pipeline.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     repository.Store
	queue     queue.Queue
	deduper   dedupe.Deduper
	orch      *ingest.Orchestrator
	platform  ingest.PlatformSource
	usernames UsernameValidator
	pool      *worker.Pool
	refresher *scheduler.Scheduler
	closers   []func() error

	// Configuration
	workerCount  int
	queueSize    int
	maxAttempts  int
	backoff      time.Duration
	staleness    time.Duration
	stuckAfter   time.Duration
	refreshSpec  string
	refreshBatch int

	// State
	started bool
	now     func() time.Time

	logger logger.Logger
}

// New constructs a Service. Components not supplied through options are
// created with in-memory defaults by Start.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:  worker.DefaultWorkers,
		queueSize:    10_000,
		maxAttempts:  worker.DefaultMaxAttempts,
		backoff:      worker.DefaultBackoff,
		staleness:    ingest.DefaultStaleness,
		stuckAfter:   defaultStuckAfter,
		refreshBatch: defaultRefreshBatch,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start fills in missing components and starts the worker pool and the
// stale refresher.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.logger.Info(ctx, "starting ingestion service...")

	if s.store == nil {
		s.store = repository.NewMemoryStore()
		s.logger.Info(ctx, "using in-memory store")
	}
	if s.queue == nil {
		s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	}
	if s.deduper == nil {
		s.deduper = dedupe.NewInMemoryDeduper()
	}
	if s.platform == nil {
		s.platform = config.NewPlatformLoader("")
	}
	if s.orch == nil {
		s.orch = ingest.New(s.store, s.platform, ingest.WithStaleness(s.staleness))
		s.logger.Warn(ctx, "no connectors configured; fetched domains will fail")
	}

	s.pool = worker.NewPool(s.workerCount, s.queue, s.orch,
		worker.WithRetry(s.maxAttempts, s.backoff),
		worker.WithReleaser(settler{s}),
	)
	s.pool.Start(ctx)

	if s.refreshSpec != "" {
		r, err := scheduler.New(s.refreshSpec, s)
		if err != nil {
			_ = s.pool.Shutdown(ctx)
			return err
		}
		if err := r.Start(ctx); err != nil {
			_ = s.pool.Shutdown(ctx)
			return err
		}
		s.refresher = r
	}

	s.started = true
	s.logger.Info(ctx, "ingestion service started",
		logger.Int("workers", s.workerCount),
		logger.Int("maxAttempts", s.maxAttempts),
		logger.Duration("staleness", s.staleness),
		logger.String("refresh", s.refreshSpec),
	)
	return nil
}

// Stop gracefully shuts down the service: the refresher first, then the
// worker pool, then the store and registered closers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	refresher, pool := s.refresher, s.pool
	s.refresher, s.pool = nil, nil
	s.mu.Unlock()

	ctx := context.Background()
	s.logger.Info(ctx, "stopping ingestion service...")

	// A running refresh pass reads the started flag, so the lock is not
	// held while waiting for it.
	if refresher != nil {
		refresher.Stop()
	}
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "closing store", logger.Error(err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn(ctx, "closing component", logger.Error(err))
		}
	}
	s.logger.Info(ctx, "ingestion service stopped")
}

// Analyze validates the request and either returns the cached record or
// queues an ingestion job. A username the code host does not know is a
// rejection, not an error.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) { //nolint:gocritic // hugeParam: request travels by value
	if !s.isStarted() {
		return AnalyzeResult{}, ErrNotStarted
	}
	ident, err := validate(req)
	if err != nil {
		return AnalyzeResult{}, err
	}

	if ident.Username != "" && s.usernames != nil && !s.usernames.IsValidUsername(ctx, ident.Username) {
		s.logger.Info(ctx, "analyze rejected", logger.String("username", ident.Username))
		return AnalyzeResult{
			Rejected: true,
			Reason:   ReasonInvalidUsername,
			Message:  fmt.Sprintf("code-host user %q was not found", ident.Username),
		}, nil
	}

	existing, found := s.lookup(ctx, ident)
	if found && !req.ForceRefresh {
		if res, ok := s.cached(ctx, existing, ident); ok {
			return res, nil
		}
	}

	u, created, err := s.store.UpsertUser(ctx, ident)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("save user: %w", err)
	}
	if err := s.store.InitDomains(ctx, u.ID, model.AllDomains); err != nil {
		return AnalyzeResult{}, fmt.Errorf("init domains: %w", err)
	}
	if found && existing.ID == u.ID {
		if err := s.invalidate(ctx, existing, ident); err != nil {
			return AnalyzeResult{}, err
		}
	}

	if s.deduper.SeenAndRecord(ctx, u.ID) {
		// The running job may have loaded the user before this request.
		if req.ForceRefresh || !found || addsIdentity(existing, ident) {
			s.deduper.Defer(u.ID, req.ForceRefresh)
		}
		s.logger.Debug(ctx, "job already in flight", logger.String("user_id", u.ID.String()))
		return AnalyzeResult{UserID: u.ID, Status: u.Status, AlreadyQueued: true}, nil
	}

	if err := s.store.SetUserStatus(ctx, u.ID, model.StatusPending, nil); err != nil {
		s.deduper.Release(u.ID)
		return AnalyzeResult{}, fmt.Errorf("mark pending: %w", err)
	}
	if err := s.queue.Enqueue(ctx, model.NewJob(u, req.ForceRefresh)); err != nil {
		s.deduper.Release(u.ID)
		return AnalyzeResult{}, fmt.Errorf("enqueue analysis: %w", err)
	}

	s.logger.Info(ctx, "analysis queued",
		logger.String("user_id", u.ID.String()),
		logger.Bool("created", created),
		logger.Bool("force_refresh", req.ForceRefresh),
	)
	return AnalyzeResult{UserID: u.ID, Status: model.StatusPending, Queued: true}, nil
}

// settler ends a user's job and queues the run deferred while it was in
// flight.
type settler struct{ s *Service }

func (r settler) Release(id uuid.UUID) {
	again, force := r.s.deduper.Settle(id)
	if !again {
		return
	}
	ctx := context.Background()
	u, err := r.s.store.GetUser(ctx, id)
	if err == nil {
		err = r.s.queue.Enqueue(ctx, model.NewJob(u, force))
	}
	if err != nil {
		r.s.deduper.Release(id)
		r.s.logger.Warn(ctx, "deferred run not queued", logger.String("user_id", id.String()), logger.Error(err))
		return
	}
	r.s.logger.Info(ctx, "deferred run queued",
		logger.String("user_id", id.String()),
		logger.Bool("force_refresh", force),
	)
}

// cached returns the stored record when the request adds nothing new and
// every applicable domain is complete and fresh.
func (s *Service) cached(ctx context.Context, u model.User, ident model.Identity) (AnalyzeResult, bool) { //nolint:gocritic // hugeParam: values are read-only
	if addsIdentity(u, ident) || u.Status != model.StatusCompleted {
		return AnalyzeResult{}, false
	}
	p, err := s.store.GetProfile(ctx, u.ID)
	if err != nil || p.Score == nil || p.Worth == nil {
		return AnalyzeResult{}, false
	}
	if len(s.orch.Plan(p, false)) > 0 {
		return AnalyzeResult{}, false
	}
	return AnalyzeResult{UserID: u.ID, Status: u.Status, Cached: true, Profile: &p}, true
}

// invalidate resets the domains whose inputs ident changes, so the next run
// refetches them even though their data is fresh.
func (s *Service) invalidate(ctx context.Context, u model.User, ident model.Identity) error { //nolint:gocritic // hugeParam: values are read-only
	var stale []model.Domain
	if ident.Username != "" && ident.Username != u.Username {
		stale = append(stale, model.DomainCodeHost)
	}
	for _, a := range ident.Addresses {
		if !u.HasAddress(a) {
			stale = append(stale, model.DomainChain, model.DomainBadge)
			break
		}
	}
	for _, d := range stale {
		if err := s.store.SetDomainStatus(ctx, u.ID, d, model.StatusPending, ""); err != nil {
			return fmt.Errorf("reset %s: %w", d, err)
		}
	}
	return nil
}

// lookup finds an existing user by username or any address.
func (s *Service) lookup(ctx context.Context, ident model.Identity) (model.User, bool) { //nolint:gocritic // hugeParam: identity travels by value
	keys := make([]string, 0, len(ident.Addresses)+1)
	if ident.Username != "" {
		keys = append(keys, ident.Username)
	}
	keys = append(keys, ident.Addresses...)
	for _, k := range keys {
		u, err := s.store.FindUser(ctx, k)
		if err == nil {
			return u, true
		}
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn(ctx, "user lookup failed", logger.String("identifier", k), logger.Error(err))
			return model.User{}, false
		}
	}
	return model.User{}, false
}

// addsIdentity reports whether ident carries anything u does not have yet.
func addsIdentity(u model.User, ident model.Identity) bool { //nolint:gocritic // hugeParam: values are small and read-only
	differs := func(have, want string) bool { return want != "" && want != have }
	if differs(u.Username, ident.Username) || differs(u.Email, ident.Email) ||
		differs(u.DID, ident.DID) || differs(u.IssuerID, ident.IssuerID) {
		return true
	}
	for _, a := range ident.Addresses {
		if !u.HasAddress(a) {
			return true
		}
	}
	return false
}

func validate(req AnalyzeRequest) (model.Identity, error) { //nolint:gocritic // hugeParam: request travels by value
	ident := model.Identity{
		Username:  req.Username,
		Addresses: req.Addresses,
		Email:     req.Email,
		DID:       req.DID,
		IssuerID:  req.IssuerID,
	}.Normalize()

	if ident.Username == "" && len(ident.Addresses) == 0 {
		return model.Identity{}, fmt.Errorf("%w: a username or at least one address is required", ErrInvalidRequest)
	}
	for _, a := range ident.Addresses {
		if !strings.HasPrefix(a, "0x") || !common.IsHexAddress(a) {
			return model.Identity{}, fmt.Errorf("%w: %q is not an EVM address", ErrInvalidRequest, a)
		}
	}
	return ident, nil
}

// Status returns the aggregate and per-domain status of a user.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (StatusView, error) {
	if !s.isStarted() {
		return StatusView{}, ErrNotStarted
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		UserID:        p.User.ID,
		Status:        p.User.Status,
		LastFetchedAt: p.User.LastFetchedAt,
		InFlight:      s.deduper.InFlight(p.User.ID),
		Domains:       p.States,
	}, nil
}

// Profile resolves a user by any identifying field and returns the full
// record.
func (s *Service) Profile(ctx context.Context, identifier string) (model.Profile, error) {
	if !s.isStarted() {
		return model.Profile{}, ErrNotStarted
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.Profile{}, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	u, err := s.store.FindUser(ctx, identifier)
	if err != nil {
		return model.Profile{}, err
	}
	return s.store.GetProfile(ctx, u.ID)
}

// Verify evaluates the named gate for the subject resolved by identifier.
// Unknown subjects and incomplete profiles are rejections, not errors.
func (s *Service) Verify(ctx context.Context, gateName, identifier string) (gate.Decision, error) {
	if !s.isStarted() {
		return gate.Decision{}, ErrNotStarted
	}
	cfg := s.platform.Load(ctx)

	var d gate.Decision
	p, err := s.Profile(ctx, identifier)
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ErrInvalidRequest):
		d = gate.Evaluate(gateName, cfg, nil)
	case err != nil:
		return gate.Decision{}, err
	default:
		d = gate.Evaluate(gateName, cfg, &p)
	}

	result := "passed"
	if !d.Passed {
		result = d.Reason
	}
	metrics.RecordGateEvaluation(gateName, result)
	return d, nil
}

// RefreshStale enqueues refresh jobs for completed users whose data is
// older than the staleness window, and for users whose job was lost: left
// PENDING or PROCESSING longer than the stuck timeout. It returns how many
// jobs were queued.
func (s *Service) RefreshStale(ctx context.Context) (int, error) {
	if !s.isStarted() {
		return 0, ErrNotStarted
	}
	now := s.now()
	stale, err := s.store.ListStale(ctx, now.Add(-s.staleness), s.refreshBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale users: %w", err)
	}
	stuck, err := s.store.ListStuck(ctx, now.Add(-s.stuckAfter), s.refreshBatch)
	if err != nil {
		return 0, fmt.Errorf("list stuck users: %w", err)
	}
	if len(stuck) > 0 {
		s.logger.Warn(ctx, "requeueing users whose job was lost", logger.Int("users", len(stuck)))
	}

	queued := 0
	for _, users := range [][]model.User{stale, stuck} {
		for i := range users {
			u := users[i]
			if s.deduper.SeenAndRecord(ctx, u.ID) {
				continue
			}
			if err := s.queue.Enqueue(ctx, model.NewJob(u, false)); err != nil {
				s.deduper.Release(u.ID)
				return queued, fmt.Errorf("enqueue refresh: %w", err)
			}
			queued++
		}
	}
	return queued, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":      s.started,
		"workerCount":  s.workerCount,
		"queueSize":    s.queueSize,
		"maxAttempts":  s.maxAttempts,
		"staleness":    s.staleness.String(),
		"refreshSched": s.refreshSpec,
	}
	if s.started {
		queueLen := s.queue.Len(context.Background())
		stats["queueLength"] = queueLen
		stats["inFlight"] = s.deduper.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return stats
}

func (s *Service) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
