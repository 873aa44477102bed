// Package retry wraps external calls with exponential backoff.
//
// Every attempt is logged and counted. Rate-limit responses (HTTP 429 and 403)
// wait a fixed cooldown instead of the current backoff delay. Exhausted retries
// return the last error, except through DoWithFallback where a named
// FallbackPolicy may substitute a synthetic value.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
)

// Default policy values.
const (
	DefaultMaxAttempts       = 10
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 5 * time.Minute
	DefaultRateLimitCooldown = 60 * time.Second
	BlockLookupMaxAttempts   = 4
)

// Policy configures one call site.
type Policy struct {
	// Name labels logs and metrics, usually the provider operation.
	Name              string
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	RateLimitCooldown time.Duration
}

// Default returns the general policy: 10 attempts starting at 1s.
func Default(name string) Policy {
	return Policy{
		Name:              name,
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		RateLimitCooldown: DefaultRateLimitCooldown,
	}
}

// BlockLookup returns the stricter policy used for single-block lookups.
func BlockLookup(name string) Policy {
	p := Default(name)
	p.MaxAttempts = BlockLookupMaxAttempts
	return p
}

func (p Policy) normalized() Policy {
	if p.Name == "" {
		p.Name = "call"
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.RateLimitCooldown < 0 {
		p.RateLimitCooldown = 0
	}
	return p
}

// FallbackPolicy decides what happens when a fallback-capable call exhausts its attempts.
type FallbackPolicy string

const (
	// FallbackFail propagates the last error.
	FallbackFail FallbackPolicy = "fail"
	// FallbackSynthetic substitutes a synthetic value and flags it.
	FallbackSynthetic FallbackPolicy = "synthetic"
)

// ParseFallbackPolicy maps a config string to a FallbackPolicy.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case FallbackFail:
		return FallbackFail, nil
	case FallbackSynthetic, "":
		return FallbackSynthetic, nil
	default:
		return "", fmt.Errorf("unknown fallback policy: %q", s)
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusError is a provider response with a non-success status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// HTTPStatus implements StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.Status }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRateLimited reports whether err carries a 429 or 403 status.
func IsRateLimited(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	s := sc.HTTPStatus()
	return s == http.StatusTooManyRequests || s == http.StatusForbidden
}

// sleep waits for d or until ctx is done. Replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error { //nolint:gochecknoglobals // test hook
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, returns a permanent error, or exhausts p.MaxAttempts.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	log := logger.Get().Named("retry")

	var (
		zero    T
		lastErr error
		delay   = p.InitialDelay
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			metrics.RecordExternalAttempt(p.Name, "ok")
			return v, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			metrics.RecordExternalAttempt(p.Name, "permanent")
			log.Warn(ctx, "permanent failure, not retrying",
				logger.String("operation", p.Name),
				logger.Int("attempt", attempt),
				logger.Error(err),
			)
			return zero, perm.err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if IsRateLimited(err) && p.RateLimitCooldown > 0 {
			wait = p.RateLimitCooldown
		}
		metrics.RecordExternalAttempt(p.Name, "retry")
		log.Warn(ctx, "attempt failed, retrying",
			logger.String("operation", p.Name),
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", p.MaxAttempts),
			logger.Duration("delay", wait),
			logger.Bool("rate_limited", IsRateLimited(err)),
			logger.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s: %w", p.Name, err)
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	metrics.RecordExternalAttempt(p.Name, "exhausted")
	log.Error(ctx, "all attempts failed",
		logger.String("operation", p.Name),
		logger.Int("attempts", p.MaxAttempts),
		logger.Error(lastErr),
	)
	return zero, fmt.Errorf("%s failed after %d attempts: %w", p.Name, p.MaxAttempts, lastErr)
}

// DoWithFallback behaves like Do. When attempts are exhausted and fb is
// FallbackSynthetic, it returns synth() with synthetic=true and a nil error.
func DoWithFallback[T any](
	ctx context.Context,
	p Policy,
	fb FallbackPolicy,
	op func(ctx context.Context) (T, error),
	synth func() T,
) (v T, synthetic bool, err error) {
	v, err = Do(ctx, p, op)
	if err == nil {
		return v, false, nil
	}
	if fb != FallbackSynthetic || synth == nil || ctx.Err() != nil {
		return v, false, err
	}
	metrics.RecordSyntheticFallback(p.Name)
	logger.Get().Named("retry").Warn(ctx, "substituting synthetic value after exhausted retries",
		logger.String("operation", p.Name),
		logger.String("fallback", string(fb)),
		logger.Error(err),
	)
	return synth(), true, nil
}
