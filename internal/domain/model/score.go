package model

import "time"

// Metric names shared by scoring configuration and records.
const (
	MetricMainnetContracts     = "mainnetContracts"
	MetricTestnetContracts     = "testnetContracts"
	MetricTVL                  = "tvl"
	MetricUniqueUsers          = "uniqueUsers"
	MetricTransactions         = "transactions"
	MetricWeb3LOC              = "web3LinesOfCode"
	MetricNotableContributions = "notableContributions"
	MetricHackathonExperience  = "hackathonExperience"
	MetricHackathonWins        = "hackathonWins"
	MetricPRs                  = "pullRequests"
	MetricContributions        = "contributions"
	MetricForks                = "forks"
	MetricStars                = "stars"
	MetricIssues               = "issues"
	MetricTotalLOC             = "linesOfCode"
	MetricAccountAge           = "accountAgeDays"
	MetricFollowers            = "followers"
)

// MetricScore is one thresholded, weighted metric.
type MetricScore struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"`
}

// CompositeScore is a 0-100 score with its per-metric breakdown.
type CompositeScore struct {
	Score   float64       `json:"score"`
	Metrics []MetricScore `json:"metrics"`
}

// ScoreRecord is the overall score: the mean of the two composites.
type ScoreRecord struct {
	Total         float64        `json:"total"`
	PreviousTotal *float64       `json:"previousTotal,omitempty"`
	Web3          CompositeScore `json:"web3"`
	Web2          CompositeScore `json:"web2"`
	ComputedAt    time.Time      `json:"computedAt"`
}

// MetricWorth is one linear worth contribution.
type MetricWorth struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Multiplier float64 `json:"multiplier"`
	Worth      float64 `json:"worth"`
	Capped     bool    `json:"capped,omitempty"`
}

// WorthCategory sums a group of metrics.
type WorthCategory struct {
	Total   float64       `json:"total"`
	Metrics []MetricWorth `json:"metrics"`
}

// WorthDomain is the experience/skill/influence split for one source.
type WorthDomain struct {
	Total      float64       `json:"total"`
	Experience WorthCategory `json:"experience"`
	Skill      WorthCategory `json:"skill"`
	Influence  WorthCategory `json:"influence"`
}

// WorthRecord is the monetary worth estimate.
type WorthRecord struct {
	Total      float64     `json:"total"`
	Web2       WorthDomain `json:"web2"`
	Web3       WorthDomain `json:"web3"`
	ComputedAt time.Time   `json:"computedAt"`
}
