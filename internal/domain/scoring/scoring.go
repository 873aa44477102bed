// Package scoring computes the developer score and worth estimate from a
// user's aggregated records. Every function here is pure.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
)

const maxScoreValue = 100

// Composite membership, in display order.
var (
	web3Metrics = []string{ //nolint:gochecknoglobals // fixed metric layout
		model.MetricMainnetContracts,
		model.MetricTVL,
		model.MetricUniqueUsers,
		model.MetricTransactions,
		model.MetricWeb3LOC,
		model.MetricNotableContributions,
		model.MetricHackathonExperience,
		model.MetricHackathonWins,
	}
	web2Metrics = []string{ //nolint:gochecknoglobals // fixed metric layout
		model.MetricPRs,
		model.MetricContributions,
		model.MetricForks,
		model.MetricStars,
		model.MetricIssues,
		model.MetricTotalLOC,
		model.MetricAccountAge,
		model.MetricFollowers,
	}
)

// Worth category membership per domain.
var (
	web3Worth = worthLayout{ //nolint:gochecknoglobals // fixed metric layout
		experience: []string{model.MetricMainnetContracts, model.MetricTestnetContracts, model.MetricHackathonExperience},
		skill:      []string{model.MetricWeb3LOC, model.MetricHackathonWins},
		influence:  []string{model.MetricTVL, model.MetricUniqueUsers, model.MetricTransactions},
	}
	web2Worth = worthLayout{ //nolint:gochecknoglobals // fixed metric layout
		experience: []string{model.MetricAccountAge, model.MetricContributions},
		skill:      []string{model.MetricTotalLOC, model.MetricPRs, model.MetricIssues, model.MetricNotableContributions},
		influence:  []string{model.MetricStars, model.MetricForks, model.MetricFollowers},
	}
)

type worthLayout struct {
	experience []string
	skill      []string
	influence  []string
}

// Input is the aggregated record the engine scores. Any domain may be nil.
type Input struct {
	CodeHost *model.CodeHostData
	Chain    *model.ChainData
	Badges   *model.BadgeData
}

// Values is the flat metric-name to raw-value view of an Input.
type Values map[string]float64

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithClock overrides the time source used for account age and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine computes scores and worth.
type Engine struct {
	now func() time.Time
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract flattens in into metric values using cfg for the language and
// notable-repository allow-lists.
func (e *Engine) Extract(in Input, cfg *config.PlatformConfig) Values {
	cfg = orDefault(cfg)
	v := Values{}
	for _, m := range web3Metrics {
		v[m] = 0
	}
	for _, m := range web2Metrics {
		v[m] = 0
	}
	v[model.MetricTestnetContracts] = 0

	if c := in.Chain; c != nil {
		v[model.MetricMainnetContracts] = float64(c.Total.MainnetContracts)
		v[model.MetricTestnetContracts] = float64(c.Total.TestnetContracts)
		v[model.MetricTVL] = c.Total.TVL
		v[model.MetricUniqueUsers] = float64(c.Total.UniqueUsers)
		v[model.MetricTransactions] = float64(c.Total.Transactions)
	}
	if b := in.Badges; b != nil {
		v[model.MetricHackathonExperience] = float64(b.Hacker.Count)
		v[model.MetricHackathonWins] = float64(b.Wins.Count)
	}
	if g := in.CodeHost; g != nil {
		var totalBytes, web3Bytes int64
		for lang, n := range g.Languages {
			totalBytes += n
			if cfg.IsWeb3Language(lang) {
				web3Bytes += n
			}
		}
		bpl := cfg.BytesPerLine
		if bpl <= 0 {
			bpl = config.DefaultPlatform().BytesPerLine
		}
		v[model.MetricWeb3LOC] = math.Floor(float64(web3Bytes) / bpl)
		v[model.MetricTotalLOC] = math.Floor(float64(totalBytes) / bpl)
		v[model.MetricNotableContributions] = float64(notableContributions(g.Contributions.RepoContributions, cfg.NotableRepos))
		v[model.MetricPRs] = float64(g.Contributions.TotalPRs)
		v[model.MetricContributions] = float64(g.Contributions.TotalContributions)
		v[model.MetricIssues] = float64(g.Contributions.TotalIssues)
		v[model.MetricForks] = float64(g.TotalForks)
		v[model.MetricStars] = float64(g.TotalStars)
		v[model.MetricFollowers] = float64(g.Profile.Followers)
		v[model.MetricAccountAge] = float64(g.Profile.AccountAgeDays(e.now()))
	}
	return v
}

func notableContributions(byRepo map[string]int, notable []string) int {
	if len(byRepo) == 0 || len(notable) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(notable))
	for _, r := range notable {
		set[strings.ToLower(r)] = struct{}{}
	}
	total := 0
	for repo, n := range byRepo {
		if _, ok := set[strings.ToLower(repo)]; ok {
			total += n
		}
	}
	return total
}

// MetricScore computes min(value/threshold, 1) * weight. Negative values
// score zero; a non-positive threshold yields zero.
func MetricScore(value, threshold, weight float64) float64 {
	if value <= 0 || threshold <= 0 || weight <= 0 {
		return 0
	}
	return math.Min(value/threshold, 1) * weight
}

// Score computes the score record. previous, when set, supplies PreviousTotal.
func (e *Engine) Score(in Input, cfg *config.PlatformConfig, previous *model.ScoreRecord) model.ScoreRecord {
	cfg = orDefault(cfg)
	v := e.Extract(in, cfg)
	rec := model.ScoreRecord{
		Web3:       e.composite(web3Metrics, v, cfg),
		Web2:       e.composite(web2Metrics, v, cfg),
		ComputedAt: e.now().UTC(),
	}
	rec.Total = round2((rec.Web3.Score + rec.Web2.Score) / 2)
	if previous != nil {
		prev := previous.Total
		rec.PreviousTotal = &prev
	}
	return rec
}

func (e *Engine) composite(names []string, v Values, cfg *config.PlatformConfig) model.CompositeScore {
	def := config.DefaultPlatform()
	out := model.CompositeScore{Metrics: make([]model.MetricScore, 0, len(names))}
	sum := 0.0
	for _, name := range names {
		threshold := lookup(cfg.Thresholds, def.Thresholds, name, true)
		weight := lookup(cfg.Weights, def.Weights, name, false)
		s := MetricScore(v[name], threshold, weight)
		sum += s
		out.Metrics = append(out.Metrics, model.MetricScore{
			Name:      name,
			Value:     v[name],
			Threshold: threshold,
			Weight:    weight,
			Score:     round2(s),
		})
	}
	out.Score = round2(math.Max(0, math.Min(maxScoreValue, sum)))
	return out
}

// Worth computes the worth record.
func (e *Engine) Worth(in Input, cfg *config.PlatformConfig) model.WorthRecord {
	cfg = orDefault(cfg)
	v := e.Extract(in, cfg)
	rec := model.WorthRecord{
		Web3:       e.worthDomain(web3Worth, v, cfg),
		Web2:       e.worthDomain(web2Worth, v, cfg),
		ComputedAt: e.now().UTC(),
	}
	rec.Total = round2(rec.Web3.Total + rec.Web2.Total)
	return rec
}

func (e *Engine) worthDomain(layout worthLayout, v Values, cfg *config.PlatformConfig) model.WorthDomain {
	d := model.WorthDomain{
		Experience: e.worthCategory(layout.experience, v, cfg),
		Skill:      e.worthCategory(layout.skill, v, cfg),
		Influence:  e.worthCategory(layout.influence, v, cfg),
	}
	d.Total = round2(d.Experience.Total + d.Skill.Total + d.Influence.Total)
	return d
}

func (e *Engine) worthCategory(names []string, v Values, cfg *config.PlatformConfig) model.WorthCategory {
	def := config.DefaultPlatform()
	out := model.WorthCategory{Metrics: make([]model.MetricWorth, 0, len(names))}
	for _, name := range names {
		mult := math.Max(0, lookup(cfg.Multipliers, def.Multipliers, name, false))
		value := math.Max(0, v[name])
		w := value * mult
		capped := false
		if name == model.MetricTVL && cfg.TVLWorthCap > 0 && w > cfg.TVLWorthCap {
			w = cfg.TVLWorthCap
			capped = true
		}
		out.Total += w
		out.Metrics = append(out.Metrics, model.MetricWorth{
			Name:       name,
			Value:      value,
			Multiplier: mult,
			Worth:      round2(w),
			Capped:     capped,
		})
	}
	out.Total = round2(out.Total)
	return out
}

// lookup reads name from m, falling back to def. When positive is set,
// non-positive configured values also fall back.
func lookup(m, def map[string]float64, name string, positive bool) float64 {
	if x, ok := m[name]; ok && (!positive || x > 0) {
		return x
	}
	return def[name]
}

func orDefault(cfg *config.PlatformConfig) *config.PlatformConfig {
	if cfg == nil {
		return config.DefaultPlatform()
	}
	return cfg
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
