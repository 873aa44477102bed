// Package config defines service configuration structures and loading hooks.
//
// Process configuration (Config) is loaded once at start-up. Scoring
// configuration (PlatformConfig) is re-read for every computation so
// operators can tune it on a live process.
package config

import (
	"strings"
	"time"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// ServiceName labels traces.
	ServiceName string `koanf:"service_name"`
	// TelemetryEnabled turns on OTLP trace export.
	TelemetryEnabled bool `koanf:"telemetry_enabled"`

	// DatabaseURL selects the Postgres store; empty keeps records in memory.
	DatabaseURL string `koanf:"database_url"`

	// QueueBackend is memory or redis.
	QueueBackend  string `koanf:"queue_backend"`
	RedisURL      string `koanf:"redis_url"`
	RedisQueueKey string `koanf:"redis_queue_key"`
	// QueueSize bounds the in-memory job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of concurrent job slots.
	WorkerCount int `koanf:"worker_count"`
	// JobMaxAttempts is the queue-level retry ceiling.
	JobMaxAttempts int `koanf:"job_max_attempts"`
	// JobBackoff is the first queue-level retry delay; it doubles per attempt.
	JobBackoff time.Duration `koanf:"job_backoff"`

	// StalenessWindow is the age after which completed data is refetched.
	StalenessWindow time.Duration `koanf:"staleness_window"`

	// StuckAfter is how long a user may sit PENDING or PROCESSING before
	// the refresher assumes its job was lost and queues it again.
	StuckAfter time.Duration `koanf:"stuck_after"`

	// Credential pools, comma separated in the environment.
	GitHubTokens []string `koanf:"github_tokens"`
	ChainAPIKeys []string `koanf:"chain_api_keys"`
	PriceAPIKeys []string `koanf:"price_api_keys"`
	POAPAPIKeys  []string `koanf:"poap_api_keys"`

	// GitHubAPIURL overrides the REST base URL (GitHub Enterprise, tests).
	GitHubAPIURL     string        `koanf:"github_api_url"`
	GitHubGraphQLURL string        `koanf:"github_graphql_url"`
	GitHubRPS        float64       `koanf:"github_rps"`
	GitHubPageDelay  time.Duration `koanf:"github_page_delay"`

	// Networks lists the EVM networks the chain connector can query.
	Networks []Network `koanf:"networks"`

	PriceURL string        `koanf:"price_url"`
	PriceTTL time.Duration `koanf:"price_ttl"`
	POAPURL  string        `koanf:"poap_url"`

	// IssuerURL enables credential issuance on completion when set.
	IssuerURL string `koanf:"issuer_url"`

	// PlatformConfigPath points at the scoring YAML; empty uses defaults.
	PlatformConfigPath string `koanf:"platform_config_path"`

	// RefreshCron schedules the stale-profile refresher; empty disables it.
	RefreshCron string `koanf:"refresh_cron"`

	// Retry policy for external calls.
	RetryMaxAttempts  int           `koanf:"retry_max_attempts"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`
	RateLimitCooldown time.Duration `koanf:"rate_limit_cooldown"`
	// BlockTimeFallback is synthetic or fail.
	BlockTimeFallback string `koanf:"block_time_fallback"`

	// HTTPTimeout bounds a single outbound HTTP request.
	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

// KeyPlaceholder marks where a network URL template takes a chain credential.
const KeyPlaceholder = "{key}"

// Network describes one EVM network endpoint. URL templates may contain
// {key}, which is replaced by a credential from the chain pool.
type Network struct {
	Chain        string `koanf:"chain"`
	Name         string `koanf:"name"`
	RPCURL       string `koanf:"rpc_url"`
	NFTURL       string `koanf:"nft_url"`
	NativeSymbol string `koanf:"native_symbol"`
	Testnet      bool   `koanf:"testnet"`
}

// Key returns the "chain:network" key.
func (n Network) Key() string { return model.NetworkKey(n.Chain, n.Name) }

// NeedsKey reports whether either URL template takes a chain credential.
func (n Network) NeedsKey() bool {
	return strings.Contains(n.RPCURL, KeyPlaceholder) || strings.Contains(n.NFTURL, KeyPlaceholder)
}

// IsTestnet reports whether the network is a testnet, either flagged
// explicitly or by a "sepolia" name.
func (n Network) IsTestnet() bool { return n.Testnet || model.IsTestnetName(n.Name) }

// DefaultNetworks returns the built-in network list.
func DefaultNetworks() []Network {
	return []Network{
		{
			Chain:        "ethereum",
			Name:         "mainnet",
			RPCURL:       "https://eth-mainnet.g.alchemy.com/v2/{key}",
			NFTURL:       "https://eth-mainnet.g.alchemy.com/nft/v3/{key}",
			NativeSymbol: "ETH",
		},
		{
			Chain:        "ethereum",
			Name:         "sepolia",
			RPCURL:       "https://eth-sepolia.g.alchemy.com/v2/{key}",
			NFTURL:       "https://eth-sepolia.g.alchemy.com/nft/v3/{key}",
			NativeSymbol: "ETH",
			Testnet:      true,
		},
		{
			Chain:        "base",
			Name:         "mainnet",
			RPCURL:       "https://base-mainnet.g.alchemy.com/v2/{key}",
			NFTURL:       "https://base-mainnet.g.alchemy.com/nft/v3/{key}",
			NativeSymbol: "ETH",
		},
		{
			Chain:        "base",
			Name:         "sepolia",
			RPCURL:       "https://base-sepolia.g.alchemy.com/v2/{key}",
			NFTURL:       "https://base-sepolia.g.alchemy.com/nft/v3/{key}",
			NativeSymbol: "ETH",
			Testnet:      true,
		},
		{
			Chain:        "polygon",
			Name:         "mainnet",
			RPCURL:       "https://polygon-mainnet.g.alchemy.com/v2/{key}",
			NFTURL:       "https://polygon-mainnet.g.alchemy.com/nft/v3/{key}",
			NativeSymbol: "POL",
		},
	}
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		Addr:              ":9080",
		ServiceName:       "klyro",
		QueueBackend:      QueueMemory,
		RedisQueueKey:     "klyro:jobs",
		QueueSize:         10_000,
		WorkerCount:       5,
		JobMaxAttempts:    6,
		JobBackoff:        5 * time.Second,
		StalenessWindow:   24 * time.Hour,
		StuckAfter:        time.Hour,
		GitHubGraphQLURL:  "https://api.github.com/graphql",
		GitHubRPS:         10,
		GitHubPageDelay:   500 * time.Millisecond,
		Networks:          DefaultNetworks(),
		PriceURL:          "https://min-api.cryptocompare.com",
		PriceTTL:          30 * time.Minute,
		POAPURL:           "https://api.poap.tech",
		RefreshCron:       "@hourly",
		RetryMaxAttempts:  10,
		RetryInitialDelay: time.Second,
		RateLimitCooldown: 60 * time.Second,
		BlockTimeFallback: "synthetic",
		HTTPTimeout:       30 * time.Second,
	}
}

// NetworkByKey returns the configured network with the given key.
func (c *Config) NetworkByKey(key string) (Network, bool) {
	for _, n := range c.Networks {
		if n.Key() == key {
			return n, true
		}
	}
	return Network{}, false
}

// RetryPolicy builds the external-call retry policy for the named operation.
func (c *Config) RetryPolicy(name string) retry.Policy {
	p := retry.Default(name)
	if c.RetryMaxAttempts > 0 {
		p.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryInitialDelay > 0 {
		p.InitialDelay = c.RetryInitialDelay
	}
	if c.RateLimitCooldown > 0 {
		p.RateLimitCooldown = c.RateLimitCooldown
	}
	return p
}

// BlockLookupPolicy is RetryPolicy with the shorter single-block attempt limit.
func (c *Config) BlockLookupPolicy(name string) retry.Policy {
	p := c.RetryPolicy(name)
	p.MaxAttempts = min(p.MaxAttempts, retry.BlockLookupMaxAttempts)
	return p
}

// CredentialPools returns the non-empty credential pools keyed by rotator pool name.
func (c *Config) CredentialPools() map[string][]string {
	pools := make(map[string][]string)
	add := func(name string, creds []string) {
		if len(creds) > 0 {
			pools[name] = creds
		}
	}
	add(rotator.PoolGitHub, c.GitHubTokens)
	add(rotator.PoolChain, c.ChainAPIKeys)
	add(rotator.PoolPrice, c.PriceAPIKeys)
	add(rotator.PoolPOAP, c.POAPAPIKeys)
	return pools
}
