package ingest

import (
	"time"

	"github.com/okian/klyro/internal/domain/scoring"
	"github.com/okian/klyro/pkg/logger"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCodeHost sets the code-host connector.
func WithCodeHost(f CodeHostFetcher) Option {
	return func(o *Orchestrator) { o.codeHost = f }
}

// WithChain sets the chain-data connector.
func WithChain(f ChainFetcher) Option {
	return func(o *Orchestrator) { o.chain = f }
}

// WithBadges sets the credential-badge connector.
func WithBadges(f BadgeFetcher) Option {
	return func(o *Orchestrator) { o.badges = f }
}

// WithIssuer enables credential issuance after a completed run.
func WithIssuer(i CredentialIssuer) Option {
	return func(o *Orchestrator) { o.issuer = i }
}

// WithEngine replaces the scoring engine.
func WithEngine(e *scoring.Engine) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.engine = e
		}
	}
}

// WithStaleness sets the age after which completed domains are refetched.
func WithStaleness(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.staleness = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}
