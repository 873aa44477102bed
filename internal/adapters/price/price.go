// Package price converts token amounts to a quote currency using a cached
// spot-price feed. Lookups never fail: an expired entry stands in for a
// failed refresh, and a missing price counts as zero.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

// Defaults.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultFailureTTL = time.Minute
	DefaultQuote      = "USD"

	maxErrorBody = 512
)

// ErrNoPrice is returned by the feed when it has no quote for the pair.
var ErrNoPrice = errors.New("price: pair not quoted")

var errCoolingDown = errors.New("price: pair failed recently")

// Oracle caches spot prices per (symbol, quote) pair. Safe for concurrent use.
type Oracle struct {
	baseURL string
	keys    *rotator.Rotator
	client  *http.Client
	ttl     time.Duration
	failTTL time.Duration
	policy  retry.Policy
	now     func() time.Time
	log     logger.Logger

	cache    sync.Map // pairKey -> entry
	failures sync.Map // pairKey -> time.Time of the last failed refresh
	flight   singleflight.Group
}

type entry struct {
	price     float64
	fetchedAt time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Oracle) {
		if c != nil {
			o.client = c
		}
	}
}

// WithTTL sets how long a fetched price stays fresh.
func WithTTL(ttl time.Duration) Option {
	return func(o *Oracle) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithFailureTTL sets how long a failed pair is served from its fallback
// without asking the feed again.
func WithFailureTTL(ttl time.Duration) Option {
	return func(o *Oracle) {
		if ttl > 0 {
			o.failTTL = ttl
		}
	}
}

// WithRetryPolicy sets the policy used for feed requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Oracle) { o.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Oracle for the feed at baseURL. keys may be nil when the
// feed needs no API key.
func New(baseURL string, keys *rotator.Rotator, opts ...Option) *Oracle {
	o := &Oracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		keys:    keys,
		client:  &http.Client{Timeout: 30 * time.Second},
		ttl:     DefaultTTL,
		failTTL: DefaultFailureTTL,
		policy:  retry.Default("price.fetch"),
		now:     time.Now,
		log:     logger.Get().Named("price_oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func pairKey(symbol, quote string) string {
	return strings.ToUpper(symbol) + "/" + strings.ToUpper(quote)
}

// Price returns the spot price of symbol in quote.
func (o *Oracle) Price(ctx context.Context, symbol, quote string) float64 {
	symbol, quote = strings.ToUpper(strings.TrimSpace(symbol)), strings.ToUpper(strings.TrimSpace(quote))
	if symbol == "" || quote == "" {
		return 0
	}
	key := pairKey(symbol, quote)

	cached, _ := o.cache.Load(key)
	if cached != nil {
		if e := cached.(entry); o.now().Sub(e.fetchedAt) < o.ttl {
			return e.price
		}
	}

	if o.coolingDown(key) {
		return o.fallback(ctx, key, cached, nil)
	}

	// Concurrent lookups of one pair share a single feed round.
	v, err, _ := o.flight.Do(key, func() (any, error) {
		// A round that ended after the checks above already settled the pair.
		if c, ok := o.cache.Load(key); ok {
			if e := c.(entry); o.now().Sub(e.fetchedAt) < o.ttl {
				return e.price, nil
			}
		}
		if o.coolingDown(key) {
			return 0.0, errCoolingDown
		}
		p, err := retry.Do(ctx, o.policy, func(ctx context.Context) (float64, error) {
			return o.fetch(ctx, symbol, quote)
		})
		if err != nil {
			o.failures.Store(key, o.now())
			return 0.0, err
		}
		o.cache.Store(key, entry{price: p, fetchedAt: o.now()})
		o.failures.Delete(key)
		return p, nil
	})
	switch {
	case err == nil:
		return v.(float64)
	case errors.Is(err, errCoolingDown):
		return o.fallback(ctx, key, cached, nil)
	default:
		return o.fallback(ctx, key, cached, err)
	}
}

func (o *Oracle) coolingDown(key string) bool {
	at, ok := o.failures.Load(key)
	return ok && o.now().Sub(at.(time.Time)) < o.failTTL
}

// fallback serves the expired entry, or zero without one. err is nil when
// the pair is still inside its failure TTL.
func (o *Oracle) fallback(ctx context.Context, key string, cached any, err error) float64 {
	if cached != nil {
		e := cached.(entry)
		metrics.RecordPriceFallback("stale")
		if err != nil {
			o.log.Warn(ctx, "price refresh failed, using expired entry",
				logger.String("pair", key),
				logger.Duration("age", o.now().Sub(e.fetchedAt)),
				logger.Error(err),
			)
		}
		return e.price
	}
	metrics.RecordPriceFallback("zero")
	if err != nil {
		o.log.Warn(ctx, "price unavailable, valuing at zero",
			logger.String("pair", key),
			logger.Error(err),
		)
	}
	return 0
}

// USD converts amount of symbol to US dollars.
func (o *Oracle) USD(ctx context.Context, symbol string, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	p := o.Price(ctx, symbol, DefaultQuote)
	if p == 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromFloat(p))
}

func (o *Oracle) fetch(ctx context.Context, symbol, quote string) (float64, error) {
	q := url.Values{}
	q.Set("fsym", symbol)
	q.Set("tsyms", quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/data/price?"+q.Encode(), nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if o.keys != nil && o.keys.Has(rotator.PoolPrice) {
		key, err := o.keys.Next(rotator.PoolPrice)
		if err != nil {
			return 0, retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Apikey "+key)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &retry.StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	raw, ok := body[quote]
	if !ok {
		var msg string
		_ = json.Unmarshal(body["Message"], &msg)
		return 0, retry.Permanent(fmt.Errorf("%w: %s/%s %s", ErrNoPrice, symbol, quote, msg))
	}
	var p float64
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, retry.Permanent(fmt.Errorf("decode %s quote: %w", quote, err))
	}
	return p, nil
}
