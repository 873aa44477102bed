package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

// Badge source kinds.
const (
	BadgeSourceNFT  = "nft"
	BadgeSourcePOAP = "poap"
)

// Token is a contract counted toward TVL. An empty Address denotes the
// network's native asset.
type Token struct {
	Symbol   string `koanf:"symbol" json:"symbol"`
	Address  string `koanf:"address" json:"address,omitempty"`
	Decimals int32  `koanf:"decimals" json:"decimals"`
}

// BadgeSource is one independent badge lookup. NFT sources count owned
// tokens of allow-listed contracts (grouped by network key) into Bucket.
// POAP sources classify each token by WinKeywords.
type BadgeSource struct {
	Name      string              `koanf:"name" json:"name"`
	Kind      string              `koanf:"kind" json:"kind"`
	Bucket    string              `koanf:"bucket" json:"bucket,omitempty"`
	Contracts map[string][]string `koanf:"contracts" json:"contracts,omitempty"`
}

// Gate is a partner-defined verification threshold.
type Gate struct {
	MinScore        float64 `koanf:"min_score" json:"minScore"`
	MinWorth        float64 `koanf:"min_worth" json:"minWorth"`
	MinWins         int     `koanf:"min_hackathon_wins" json:"minHackathonWins"`
	RequireCodeHost bool    `koanf:"require_code_host" json:"requireCodeHost"`
}

// PlatformConfig is the operator-tunable scoring configuration.
type PlatformConfig struct {
	EnabledChains []string           `json:"enabledChains"`
	Thresholds    map[string]float64 `json:"thresholds"`
	Weights       map[string]float64 `json:"weights"`
	Multipliers   map[string]float64 `json:"multipliers"`
	TVLWorthCap   float64            `json:"tvlWorthCap"`
	NotableRepos  []string           `json:"notableRepos"`
	Web3Languages []string           `json:"web3Languages"`
	BytesPerLine  float64            `json:"bytesPerLine"`
	TVLTokens     map[string][]Token `json:"tvlTokens"`
	BadgeSources  []BadgeSource      `json:"badgeSources"`
	WinKeywords   []string           `json:"winKeywords"`
	Gates         map[string]Gate    `json:"gates"`
}

// DefaultPlatform returns the hardcoded fallback configuration. Weights sum
// to 100 within each composite.
func DefaultPlatform() *PlatformConfig {
	return &PlatformConfig{
		EnabledChains: []string{"ethereum:mainnet", "ethereum:sepolia", "base:mainnet", "base:sepolia"},
		Thresholds: map[string]float64{
			model.MetricMainnetContracts:     10,
			model.MetricTVL:                  100_000,
			model.MetricUniqueUsers:          1_000,
			model.MetricTransactions:         5_000,
			model.MetricWeb3LOC:              50_000,
			model.MetricNotableContributions: 50,
			model.MetricHackathonExperience:  10,
			model.MetricHackathonWins:        5,
			model.MetricPRs:                  200,
			model.MetricContributions:        2_000,
			model.MetricForks:                100,
			model.MetricStars:                500,
			model.MetricIssues:               100,
			model.MetricTotalLOC:             200_000,
			model.MetricAccountAge:           3_650,
			model.MetricFollowers:            500,
		},
		Weights: map[string]float64{
			model.MetricMainnetContracts:     20,
			model.MetricTVL:                  15,
			model.MetricUniqueUsers:          15,
			model.MetricTransactions:         10,
			model.MetricWeb3LOC:              15,
			model.MetricNotableContributions: 10,
			model.MetricHackathonExperience:  10,
			model.MetricHackathonWins:        5,
			model.MetricPRs:                  20,
			model.MetricContributions:        20,
			model.MetricForks:                10,
			model.MetricStars:                15,
			model.MetricIssues:               5,
			model.MetricTotalLOC:             10,
			model.MetricAccountAge:           10,
			model.MetricFollowers:            10,
		},
		Multipliers: map[string]float64{
			model.MetricMainnetContracts:     2_000,
			model.MetricTestnetContracts:     100,
			model.MetricHackathonExperience:  500,
			model.MetricWeb3LOC:              0.5,
			model.MetricHackathonWins:        2_500,
			model.MetricTVL:                  0.01,
			model.MetricUniqueUsers:          10,
			model.MetricTransactions:         0.5,
			model.MetricAccountAge:           5,
			model.MetricContributions:        2,
			model.MetricTotalLOC:             0.05,
			model.MetricPRs:                  20,
			model.MetricIssues:               5,
			model.MetricStars:                10,
			model.MetricForks:                15,
			model.MetricFollowers:            20,
			model.MetricNotableContributions: 50,
		},
		TVLWorthCap: 50_000,
		NotableRepos: []string{
			"ethereum/go-ethereum",
			"ethereum/solidity",
			"foundry-rs/foundry",
			"OpenZeppelin/openzeppelin-contracts",
			"Uniswap/v4-core",
			"wevm/viem",
		},
		Web3Languages: []string{"Solidity", "Vyper", "Cairo", "Move", "Huff", "Yul"},
		BytesPerLine:  40,
		TVLTokens: map[string][]Token{
			"ethereum:mainnet": {
				{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
				{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
				{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
				{Symbol: "ETH", Address: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", Decimals: 18},
			},
			"base:mainnet": {
				{Symbol: "USDC", Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6},
				{Symbol: "ETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
			},
			"polygon:mainnet": {
				{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
			},
		},
		BadgeSources: []BadgeSource{
			{Name: "community", Kind: BadgeSourceNFT, Bucket: model.BucketHacker},
			{Name: "finalist", Kind: BadgeSourceNFT, Bucket: model.BucketWins},
			{Name: "alt-platform", Kind: BadgeSourceNFT, Bucket: model.BucketHacker},
			{Name: "poap", Kind: BadgeSourcePOAP},
		},
		WinKeywords: []string{
			"winner", "finalist", "champion", "prize", "1st place", "2nd place", "3rd place",
			"first place", "second place", "third place", "bounty", "award",
		},
		Gates: map[string]Gate{},
	}
}

// IsWeb3Language reports whether lang is in the web3 language allow-list.
func (p *PlatformConfig) IsWeb3Language(lang string) bool {
	for _, l := range p.Web3Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// ChainEnabled reports whether a network key is enabled.
func (p *PlatformConfig) ChainEnabled(key string) bool {
	for _, c := range p.EnabledChains {
		if strings.EqualFold(c, key) {
			return true
		}
	}
	return false
}

// PlatformLoader reads PlatformConfig from a YAML file on every Load.
type PlatformLoader struct {
	path string
	log  logger.Logger
}

// NewPlatformLoader creates a loader for path. An empty path always yields defaults.
func NewPlatformLoader(path string) *PlatformLoader {
	return &PlatformLoader{path: path, log: logger.Get().Named("platform-config")}
}

// Load returns the merged configuration. It never fails: a missing or
// unreadable file yields the defaults and a warning.
func (l *PlatformLoader) Load(ctx context.Context) *PlatformConfig {
	cfg := DefaultPlatform()
	if l.path == "" {
		return cfg
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn(ctx, "platform config unreadable, using defaults",
				logger.String("path", l.path), logger.Error(err))
		}
		return cfg
	}
	MergePlatform(ctx, cfg, k, l.log)
	cfg.Validate(ctx, l.log)
	return cfg
}

// MergePlatform overlays the keys present in k onto cfg. Map-valued sections
// merge key by key; lists and scalars replace the default wholesale.
func MergePlatform(ctx context.Context, cfg *PlatformConfig, k *koanf.Koanf, log logger.Logger) {
	conf := koanf.UnmarshalConf{Tag: "koanf"}
	warn := func(key string, err error) {
		log.Warn(ctx, "ignoring platform config key", logger.String("key", key), logger.Error(fmt.Errorf("%w: %w", ErrMalformedKey, err)))
	}

	for key, dst := range map[string]*[]string{
		"enabled_chains": &cfg.EnabledChains,
		"notable_repos":  &cfg.NotableRepos,
		"web3_languages": &cfg.Web3Languages,
		"win_keywords":   &cfg.WinKeywords,
	} {
		if !k.Exists(key) {
			continue
		}
		var v []string
		if err := k.UnmarshalWithConf(key, &v, conf); err != nil {
			warn(key, err)
			continue
		}
		*dst = v
	}

	for key, dst := range map[string]map[string]float64{
		"thresholds":  cfg.Thresholds,
		"weights":     cfg.Weights,
		"multipliers": cfg.Multipliers,
	} {
		if !k.Exists(key) {
			continue
		}
		var v map[string]float64
		if err := k.UnmarshalWithConf(key, &v, conf); err != nil {
			warn(key, err)
			continue
		}
		for name, x := range v {
			dst[name] = x
		}
	}

	for key, dst := range map[string]*float64{
		"tvl_worth_cap":  &cfg.TVLWorthCap,
		"bytes_per_line": &cfg.BytesPerLine,
	} {
		if k.Exists(key) {
			*dst = k.Float64(key)
		}
	}

	if k.Exists("tvl_tokens") {
		var v map[string][]Token
		if err := k.UnmarshalWithConf("tvl_tokens", &v, conf); err != nil {
			warn("tvl_tokens", err)
		} else {
			for network, tokens := range v {
				cfg.TVLTokens[network] = tokens
			}
		}
	}

	if k.Exists("badge_sources") {
		var v []BadgeSource
		if err := k.UnmarshalWithConf("badge_sources", &v, conf); err != nil {
			warn("badge_sources", err)
		} else {
			cfg.BadgeSources = v
		}
	}

	if k.Exists("gates") {
		var v map[string]Gate
		if err := k.UnmarshalWithConf("gates", &v, conf); err != nil {
			warn("gates", err)
		} else {
			for name, g := range v {
				cfg.Gates[name] = g
			}
		}
	}
}

// Validate repairs values that would break scoring: non-positive thresholds
// and negative weights fall back to defaults, negative multipliers clamp to zero.
func (p *PlatformConfig) Validate(ctx context.Context, log logger.Logger) {
	def := DefaultPlatform()
	for name, v := range p.Thresholds {
		if v > 0 {
			continue
		}
		log.Warn(ctx, "non-positive threshold replaced by default", logger.String("metric", name))
		if d, ok := def.Thresholds[name]; ok {
			p.Thresholds[name] = d
		} else {
			delete(p.Thresholds, name)
		}
	}
	for name, v := range p.Weights {
		if v >= 0 {
			continue
		}
		log.Warn(ctx, "negative weight replaced by default", logger.String("metric", name))
		p.Weights[name] = def.Weights[name]
	}
	for name, v := range p.Multipliers {
		if v < 0 {
			log.Warn(ctx, "negative multiplier clamped to zero", logger.String("metric", name))
			p.Multipliers[name] = 0
		}
	}
	if p.TVLWorthCap < 0 {
		p.TVLWorthCap = def.TVLWorthCap
	}
	if p.BytesPerLine <= 0 {
		p.BytesPerLine = def.BytesPerLine
	}
	for i, s := range p.BadgeSources {
		p.BadgeSources[i].Kind = strings.ToLower(s.Kind)
		p.BadgeSources[i].Bucket = strings.ToUpper(s.Bucket)
		if p.BadgeSources[i].Bucket == "" {
			p.BadgeSources[i].Bucket = model.BucketHacker
		}
	}
}
