package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KLYRO_"

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{ //nolint:gochecknoglobals // fixed lookup table
	"github_tokens":  true,
	"chain_api_keys": true,
	"price_api_keys": true,
	"poap_api_keys":  true,
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if KLYRO_CONFIG is set
//  3. env (prefix KLYRO_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// KLYRO_WORKER_COUNT -> worker_count. Underscores are kept to match the
	// koanf tags on the struct.
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.TrimPrefix(strings.ToLower(key), strings.ToLower(EnvPrefix))
		if key == "config" {
			return "", nil
		}
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// Slices decode element-wise over existing values, so start from empty
	// and restore the default list only when nothing was configured.
	cfg := *base
	cfg.Networks = nil
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if len(cfg.Networks) == 0 {
		cfg.Networks = base.Networks
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.WorkerCount < 1:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.JobMaxAttempts < 1:
		return fmt.Errorf("%w: job_max_attempts must be positive", ErrInvalidConfig)
	case c.QueueBackend != QueueMemory && c.QueueBackend != QueueRedis:
		return fmt.Errorf("%w: queue_backend must be %q or %q", ErrInvalidConfig, QueueMemory, QueueRedis)
	case c.QueueBackend == QueueRedis && c.RedisURL == "":
		return fmt.Errorf("%w: redis_url is required for the redis queue", ErrInvalidConfig)
	case c.BlockTimeFallback != "synthetic" && c.BlockTimeFallback != "fail":
		return fmt.Errorf("%w: block_time_fallback must be synthetic or fail", ErrInvalidConfig)
	case c.StalenessWindow <= 0:
		return fmt.Errorf("%w: staleness_window must be positive", ErrInvalidConfig)
	case c.StuckAfter <= 0:
		return fmt.Errorf("%w: stuck_after must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Chain == "" || n.Name == "" || n.RPCURL == "" {
			return fmt.Errorf("%w: network entries need chain, name and rpc_url", ErrInvalidConfig)
		}
		if seen[n.Key()] {
			return fmt.Errorf("%w: duplicate network %s", ErrInvalidConfig, n.Key())
		}
		if n.NeedsKey() && len(c.ChainAPIKeys) == 0 {
			return fmt.Errorf("%w: network %s uses %s but chain_api_keys is empty", ErrInvalidConfig, n.Key(), KeyPlaceholder)
		}
		seen[n.Key()] = true
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
