package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/klyro/internal/adapters/badges"
	"github.com/okian/klyro/internal/adapters/chain"
	"github.com/okian/klyro/internal/adapters/github"
	"github.com/okian/klyro/internal/adapters/issuer"
	"github.com/okian/klyro/internal/adapters/mq/queue"
	"github.com/okian/klyro/internal/adapters/price"
	"github.com/okian/klyro/internal/adapters/repository"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/dedupe"
	"github.com/okian/klyro/internal/domain/ingest"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

// Build assembles a Service from process configuration: the record store,
// the work queue, every connector and the orchestrator. The returned
// service is not started.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.Get().Named("wire")
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	keys, err := rotator.New(cfg.CredentialPools())
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)

	q, qCloser, err := buildQueue(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if qCloser != nil {
		closers = append(closers, qCloser)
	}

	fallback, err := retry.ParseFallbackPolicy(cfg.BlockTimeFallback)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", config.ErrInvalidConfig, err))
	}

	prices := price.New(cfg.PriceURL, keys,
		price.WithHTTPClient(httpClient),
		price.WithTTL(cfg.PriceTTL),
		price.WithRetryPolicy(cfg.RetryPolicy("price")),
	)

	gh, err := github.NewClient(keys,
		github.WithHTTPClient(httpClient),
		github.WithRESTURL(cfg.GitHubAPIURL),
		github.WithGraphQLURL(cfg.GitHubGraphQLURL),
		github.WithLimiter(github.NewLimiter(cfg.GitHubRPS)),
		github.WithPageDelay(cfg.GitHubPageDelay),
		github.WithRetryPolicy(cfg.RetryPolicy("github")),
	)
	if err != nil {
		return fail(err)
	}

	chainConn := chain.NewConnector(cfg.Networks, keys, prices,
		chain.WithRetryPolicies(cfg.RetryPolicy("chain"), cfg.BlockLookupPolicy("chain.block")),
		chain.WithBlockTimeFallback(fallback),
	)
	closers = append(closers, func() error { chainConn.Close(); return nil })

	badgeConn := badges.NewConnector(cfg.Networks, cfg.POAPURL, keys,
		badges.WithHTTPClient(httpClient),
		badges.WithRetryPolicy(cfg.RetryPolicy("badges")),
	)

	platform := config.NewPlatformLoader(cfg.PlatformConfigPath)

	orchOpts := []ingest.Option{
		ingest.WithCodeHost(gh),
		ingest.WithChain(chainFetcher{chainConn}),
		ingest.WithBadges(badgeConn),
		ingest.WithStaleness(cfg.StalenessWindow),
	}
	if cfg.IssuerURL != "" {
		iss := issuer.New(cfg.IssuerURL,
			issuer.WithHTTPClient(httpClient),
			issuer.WithRetryPolicy(cfg.RetryPolicy("issuer")),
		)
		orchOpts = append(orchOpts, ingest.WithIssuer(credentialIssuer{iss}))
	}
	orch := ingest.New(store, platform, orchOpts...)

	log.Info(ctx, "pipeline assembled",
		logger.Bool("postgres", cfg.DatabaseURL != ""),
		logger.String("queue", cfg.QueueBackend),
		logger.Int("networks", len(cfg.Networks)),
		logger.Bool("issuer", cfg.IssuerURL != ""),
	)

	opts := []Option{
		WithStore(store),
		WithQueue(q),
		WithDeduper(dedupe.NewInMemoryDeduper()),
		WithPlatform(platform),
		WithOrchestrator(orch),
		WithUsernameValidator(gh),
		WithWorkerCount(cfg.WorkerCount),
		WithQueueSize(cfg.QueueSize),
		WithJobRetry(cfg.JobMaxAttempts, cfg.JobBackoff),
		WithStaleness(cfg.StalenessWindow),
		WithStuckAfter(cfg.StuckAfter),
		WithRefreshSchedule(cfg.RefreshCron),
	}
	// The store is closed by Stop itself.
	for _, c := range closers[1:] {
		opts = append(opts, WithCloser(c))
	}
	return New(opts...), nil
}

func buildStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemoryStore(), nil
	}
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return repository.NewPostgresStore(pool), nil
}

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func() error, error) {
	if cfg.QueueBackend != config.QueueRedis {
		return queue.NewInMemoryQueue(queue.WithCapacity(cfg.QueueSize)), nil, nil
	}
	rdb, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	q := queue.NewRedisQueue(rdb, queue.WithKey(cfg.RedisQueueKey))
	// Jobs a stopped process left unsettled run again.
	if _, err := q.Recover(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return q, rdb.Close, nil
}

// chainFetcher completes the chain domain with empty data when no network
// is enabled for the platform.
type chainFetcher struct {
	conn *chain.Connector
}

func (c chainFetcher) Fetch(ctx context.Context, addresses []string, cfg *config.PlatformConfig) (*model.ChainData, error) {
	data, err := c.conn.Fetch(ctx, addresses, cfg)
	if errors.Is(err, chain.ErrNoNetworks) {
		return data, nil
	}
	return data, err
}

// credentialIssuer maps a completed profile to an issuer subject.
type credentialIssuer struct {
	client *issuer.Client
}

func (c credentialIssuer) Issue(ctx context.Context, p model.Profile) (string, error) { //nolint:gocritic // hugeParam: profile travels by value
	subject := issuer.Subject{
		UserID:    p.User.ID,
		Username:  p.User.Username,
		Addresses: p.User.Addresses,
		Email:     p.User.Email,
		DID:       p.User.DID,
	}
	if p.Score != nil {
		subject.Score = p.Score.Total
		subject.ComputedAt = p.Score.ComputedAt
	}
	if p.Worth != nil {
		subject.Worth = p.Worth.Total
	}
	if p.Badges != nil {
		subject.Wins = p.Badges.Wins.Count
	}
	cred, err := c.client.IssueCredential(ctx, subject)
	if err != nil {
		return "", err
	}
	return cred.CredentialID, nil
}
