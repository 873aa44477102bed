package github

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

// Window is a contribution query range.
type Window struct {
	From time.Time
	To   time.Time
}

// YearWindows returns n UTC calendar-year windows ending at now, oldest first.
// The newest window is clipped to now.
func YearWindows(now time.Time, n int) []Window {
	now = now.UTC()
	out := make([]Window, 0, n)
	for i := n - 1; i >= 0; i-- {
		year := now.Year() - i
		from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(1, 0, 0).Add(-time.Second)
		if to.After(now) {
			to = now
		}
		out = append(out, Window{From: from, To: to})
	}
	return out
}

// MergeContributions folds yearly statistics given oldest first: totals sum,
// weeks concatenate in order and per-repository counts add key-wise.
func MergeContributions(years []model.ContributionStats) model.ContributionStats {
	merged := model.ContributionStats{RepoContributions: make(map[string]int)}
	for _, y := range years {
		merged.TotalContributions += y.TotalContributions
		merged.TotalPRs += y.TotalPRs
		merged.TotalIssues += y.TotalIssues
		merged.Weeks = append(merged.Weeks, y.Weeks...)
		for repo, n := range y.RepoContributions {
			merged.RepoContributions[repo] += n
		}
	}
	return merged
}

// AggregateRepositories sums language bytes over every repository, and stars
// and forks over authored repositories only.
func AggregateRepositories(repos []model.Repository) (languages map[string]int64, stars, forks int) {
	languages = make(map[string]int64)
	for _, r := range repos {
		for lang, size := range r.Languages {
			languages[lang] += size
		}
		if r.Authored {
			stars += r.Stars
			forks += r.Forks
		}
	}
	return languages, stars, forks
}

// Fetch collects the full code-host snapshot for username. Profile,
// organizations, repositories and every contribution window run in parallel;
// any failure fails the whole fetch.
func (c *Client) Fetch(ctx context.Context, username string) (*model.CodeHostData, error) {
	start := c.now()
	windows := YearWindows(start, ContributionYears)

	var (
		profile model.CodeHostProfile
		orgs    []model.Organization
		repos   []model.Repository
		years   = make([]model.ContributionStats, len(windows))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.FetchProfile(gctx, username)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		o, err := c.FetchOrganizations(gctx, username)
		if err != nil {
			return fmt.Errorf("organizations: %w", err)
		}
		orgs = o
		return nil
	})
	g.Go(func() error {
		r, err := c.FetchRepositories(gctx, username)
		if err != nil {
			return fmt.Errorf("repositories: %w", err)
		}
		repos = r
		return nil
	})
	for i, w := range windows {
		g.Go(func() error {
			s, err := c.FetchContributions(gctx, username, w.From, w.To)
			if err != nil {
				return fmt.Errorf("contributions %d: %w", w.From.Year(), err)
			}
			years[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	languages, stars, forks := AggregateRepositories(repos)
	data := &model.CodeHostData{
		Profile:       profile,
		Repositories:  repos,
		Organizations: orgs,
		Languages:     languages,
		TotalStars:    stars,
		TotalForks:    forks,
		Contributions: MergeContributions(years),
		FetchedAt:     c.now().UTC(),
	}
	c.log.Info(ctx, "code-host data fetched",
		logger.String("username", username),
		logger.Int("repositories", len(repos)),
		logger.Int("contributions", data.Contributions.TotalContributions),
		logger.Duration("took", c.now().Sub(start)),
	)
	return data, nil
}
