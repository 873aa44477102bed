package model

import "time"

// CodeHostData is a per-user snapshot of code-host activity. It is replaced
// wholesale on every successful fetch.
type CodeHostData struct {
	Profile       CodeHostProfile   `json:"profile"`
	Repositories  []Repository      `json:"repositories"`
	Organizations []Organization    `json:"organizations"`
	Languages     map[string]int64  `json:"languages"`
	TotalStars    int               `json:"totalStars"`
	TotalForks    int               `json:"totalForks"`
	Contributions ContributionStats `json:"contributions"`
	FetchedAt     time.Time         `json:"fetchedAt"`
}

// CodeHostProfile holds account-level fields.
type CodeHostProfile struct {
	Login       string    `json:"login"`
	Name        string    `json:"name,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Company     string    `json:"company,omitempty"`
	Location    string    `json:"location,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Followers   int       `json:"followers"`
	Following   int       `json:"following"`
	PublicRepos int       `json:"publicRepos"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AccountAgeDays returns whole days between account creation and now.
func (p CodeHostProfile) AccountAgeDays(now time.Time) int {
	if p.CreatedAt.IsZero() || now.Before(p.CreatedAt) {
		return 0
	}
	return int(now.Sub(p.CreatedAt).Hours() / 24)
}

// Repository is one repository with its language byte breakdown.
type Repository struct {
	NameWithOwner string           `json:"nameWithOwner"`
	Name          string           `json:"name"`
	Owner         string           `json:"owner"`
	IsFork        bool             `json:"isFork"`
	Stars         int              `json:"stars"`
	Forks         int              `json:"forks"`
	Languages     map[string]int64 `json:"languages"`
	CreatedAt     time.Time        `json:"createdAt"`
	Authored      bool             `json:"authored"`
}

// Organization is an organization membership.
type Organization struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// ContributionStats aggregates contribution activity over one or more windows.
type ContributionStats struct {
	TotalContributions int                `json:"totalContributions"`
	TotalPRs           int                `json:"totalPRs"`
	TotalIssues        int                `json:"totalIssues"`
	Weeks              []ContributionWeek `json:"weeks"`
	RepoContributions  map[string]int     `json:"repoContributions"`
}

// ContributionWeek is one calendar week of daily counts.
type ContributionWeek struct {
	FirstDay string            `json:"firstDay"`
	Days     []ContributionDay `json:"days"`
}

// ContributionDay is a single day's contribution count.
type ContributionDay struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
