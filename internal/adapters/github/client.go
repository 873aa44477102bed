// Package github is the code-host connector. Profile and organization data
// come from the REST API, repositories and contribution calendars from the
// GraphQL API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"golang.org/x/time/rate"

	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

// Defaults.
const (
	DefaultGraphQLURL = "https://api.github.com/graphql"
	DefaultPageDelay  = 500 * time.Millisecond
	DefaultRPS        = 10
	ContributionYears = 4

	repoPageSize = 50
	orgPageSize  = 100
)

// Client fetches code-host data for one username at a time. Tokens are drawn
// from the github pool of the rotator on every request.
type Client struct {
	rest       *github.Client
	httpClient *http.Client
	graphqlURL string
	keys       *rotator.Rotator
	limiter    *rate.Limiter
	pageDelay  time.Duration
	policy     retry.Policy
	now        func() time.Time
	log        logger.Logger
}

type options struct {
	httpClient *http.Client
	restURL    string
	graphqlURL string
	limiter    *rate.Limiter
	pageDelay  time.Duration
	policy     *retry.Policy
	now        func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient sets the transport shared by REST and GraphQL calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRESTURL points the REST client at a different base URL.
func WithRESTURL(u string) Option {
	return func(o *options) { o.restURL = u }
}

// WithGraphQLURL overrides the GraphQL endpoint.
func WithGraphQLURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.graphqlURL = u
		}
	}
}

// WithLimiter sets the limiter every request waits on.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithPageDelay sets the pause between repository pages.
func WithPageDelay(d time.Duration) Option {
	return func(o *options) { o.pageDelay = d }
}

// WithRetryPolicy sets the policy applied to each request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = &p }
}

// WithClock overrides the time source used for contribution windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewLimiter returns a limiter allowing rps requests per second.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
}

// NewClient builds a Client. keys may be nil for unauthenticated access.
func NewClient(keys *rotator.Rotator, opts ...Option) (*Client, error) {
	o := options{
		graphqlURL: DefaultGraphQLURL,
		pageDelay:  DefaultPageDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(DefaultRPS)
	}
	policy := retry.Default("github")
	if o.policy != nil {
		policy = *o.policy
	}

	rest := github.NewClient(o.httpClient)
	if o.restURL != "" {
		base, err := url.Parse(strings.TrimRight(o.restURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse rest url: %w", err)
		}
		rest.BaseURL = base
	}

	log := logger.Get().Named("github")
	if keys == nil || !keys.Has(rotator.PoolGitHub) {
		log.Warn(context.Background(), "using unauthenticated GitHub client (rate limited)")
	}

	return &Client{
		rest:       rest,
		httpClient: o.httpClient,
		graphqlURL: o.graphqlURL,
		keys:       keys,
		limiter:    o.limiter,
		pageDelay:  o.pageDelay,
		policy:     policy,
		now:        o.now,
		log:        log,
	}, nil
}

// token returns the next pooled token, or "" when unauthenticated.
func (c *Client) token() (string, error) {
	if c.keys == nil || !c.keys.Has(rotator.PoolGitHub) {
		return "", nil
	}
	return c.keys.Next(rotator.PoolGitHub)
}

// restClient waits on the limiter and returns a REST client bound to the next token.
func (c *Client) restClient(ctx context.Context) (*github.Client, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	tok, err := c.token()
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if tok == "" {
		return c.rest, nil
	}
	return c.rest.WithAuthToken(tok), nil
}

func (c *Client) policyFor(op string) retry.Policy {
	p := c.policy
	p.Name = "github." + op
	return p
}
