package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/retry"
)

const maxErrorBody = 1024

// GraphQLRequest is a GraphQL request body.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// GraphQLResponse is a GraphQL response envelope.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError is one entry of the errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

const repositoriesQuery = `
query($login: String!, $first: Int!, $after: String) {
  user(login: $login) {
    repositories(first: $first, after: $after, ownerAffiliations: [OWNER, COLLABORATOR, ORGANIZATION_MEMBER], orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        name
        nameWithOwner
        isFork
        stargazerCount
        forkCount
        createdAt
        owner { login }
        languages(first: 25) { edges { size node { name } } }
      }
    }
  }
}`

const contributionsQuery = `
query($login: String!, $from: DateTime!, $to: DateTime!) {
  user(login: $login) {
    contributionsCollection(from: $from, to: $to) {
      totalPullRequestContributions
      totalIssueContributions
      contributionCalendar {
        totalContributions
        weeks { firstDay contributionDays { date contributionCount } }
      }
      commitContributionsByRepository(maxRepositories: 100) {
        repository { nameWithOwner }
        contributions { totalCount }
      }
      pullRequestContributionsByRepository(maxRepositories: 100) {
        repository { nameWithOwner }
        contributions { totalCount }
      }
    }
  }
}`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type repositoriesData struct {
	User *struct {
		Repositories struct {
			PageInfo pageInfo   `json:"pageInfo"`
			Nodes    []repoNode `json:"nodes"`
		} `json:"repositories"`
	} `json:"user"`
}

type repoNode struct {
	Name           string    `json:"name"`
	NameWithOwner  string    `json:"nameWithOwner"`
	IsFork         bool      `json:"isFork"`
	StargazerCount int       `json:"stargazerCount"`
	ForkCount      int       `json:"forkCount"`
	CreatedAt      time.Time `json:"createdAt"`
	Owner          struct {
		Login string `json:"login"`
	} `json:"owner"`
	Languages struct {
		Edges []struct {
			Size int64 `json:"size"`
			Node struct {
				Name string `json:"name"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"languages"`
}

type repoContribution struct {
	Repository struct {
		NameWithOwner string `json:"nameWithOwner"`
	} `json:"repository"`
	Contributions struct {
		TotalCount int `json:"totalCount"`
	} `json:"contributions"`
}

type contributionsData struct {
	User *struct {
		Collection struct {
			TotalPRs    int `json:"totalPullRequestContributions"`
			TotalIssues int `json:"totalIssueContributions"`
			Calendar    struct {
				TotalContributions int `json:"totalContributions"`
				Weeks              []struct {
					FirstDay string `json:"firstDay"`
					Days     []struct {
						Date  string `json:"date"`
						Count int    `json:"contributionCount"`
					} `json:"contributionDays"`
				} `json:"weeks"`
			} `json:"contributionCalendar"`
			Commits      []repoContribution `json:"commitContributionsByRepository"`
			PullRequests []repoContribution `json:"pullRequestContributionsByRepository"`
		} `json:"contributionsCollection"`
	} `json:"user"`
}

// doQuery executes one GraphQL request and decodes data into out.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	tok, err := c.token()
	if err != nil {
		return retry.Permanent(err)
	}

	body, err := json.Marshal(GraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "klyro")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.StatusError{Status: resp.StatusCode, Body: string(msg)}
	}

	var gql GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		for _, e := range gql.Errors {
			if e.Type == "RATE_LIMITED" {
				return &retry.StatusError{Status: http.StatusTooManyRequests, Body: e.Message}
			}
			if e.Type == "NOT_FOUND" {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrUserNotFound, e.Message))
			}
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(gql.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// FetchRepositories follows the repository cursor until exhausted, pausing
// between pages. Authored is set on each repository.
func (c *Client) FetchRepositories(ctx context.Context, username string) ([]model.Repository, error) {
	var (
		out    []model.Repository
		cursor string
	)
	for page := 0; ; page++ {
		if page > 0 && c.pageDelay > 0 {
			t := time.NewTimer(c.pageDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		vars := map[string]any{"login": username, "first": repoPageSize}
		if cursor != "" {
			vars["after"] = cursor
		}
		data, err := retry.Do(ctx, c.policyFor("repositories"), func(ctx context.Context) (repositoriesData, error) {
			var d repositoriesData
			err := c.doQuery(ctx, repositoriesQuery, vars, &d)
			return d, err
		})
		if err != nil {
			return nil, err
		}
		if data.User == nil {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		for _, n := range data.User.Repositories.Nodes {
			out = append(out, toRepository(n, username))
		}
		pi := data.User.Repositories.PageInfo
		if !pi.HasNextPage || pi.EndCursor == "" {
			break
		}
		cursor = pi.EndCursor
	}
	c.log.Debug(ctx, "repositories fetched",
		logger.String("username", username),
		logger.Int("count", len(out)),
	)
	return out, nil
}

// FetchContributions returns the contribution statistics for [from, to].
// The code host limits one collection to a year.
func (c *Client) FetchContributions(ctx context.Context, username string, from, to time.Time) (model.ContributionStats, error) {
	vars := map[string]any{
		"login": username,
		"from":  from.UTC().Format(time.RFC3339),
		"to":    to.UTC().Format(time.RFC3339),
	}
	data, err := retry.Do(ctx, c.policyFor("contributions"), func(ctx context.Context) (contributionsData, error) {
		var d contributionsData
		err := c.doQuery(ctx, contributionsQuery, vars, &d)
		return d, err
	})
	if err != nil {
		return model.ContributionStats{}, err
	}
	if data.User == nil {
		return model.ContributionStats{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	col := data.User.Collection
	stats := model.ContributionStats{
		TotalContributions: col.Calendar.TotalContributions,
		TotalPRs:           col.TotalPRs,
		TotalIssues:        col.TotalIssues,
		RepoContributions:  make(map[string]int),
	}
	for _, w := range col.Calendar.Weeks {
		week := model.ContributionWeek{FirstDay: w.FirstDay}
		for _, d := range w.Days {
			week.Days = append(week.Days, model.ContributionDay{Date: d.Date, Count: d.Count})
		}
		stats.Weeks = append(stats.Weeks, week)
	}
	for _, rc := range append(col.Commits, col.PullRequests...) {
		stats.RepoContributions[rc.Repository.NameWithOwner] += rc.Contributions.TotalCount
	}
	return stats, nil
}

func toRepository(n repoNode, username string) model.Repository {
	r := model.Repository{
		NameWithOwner: n.NameWithOwner,
		Name:          n.Name,
		Owner:         n.Owner.Login,
		IsFork:        n.IsFork,
		Stars:         n.StargazerCount,
		Forks:         n.ForkCount,
		CreatedAt:     n.CreatedAt,
		Languages:     make(map[string]int64, len(n.Languages.Edges)),
	}
	for _, e := range n.Languages.Edges {
		r.Languages[e.Node.Name] += e.Size
	}
	r.Authored = IsAuthored(r, username)
	return r
}

// IsAuthored reports whether the repository counts toward the user's own
// stars and forks: a fork owned by the user, or a name containing the username.
func IsAuthored(r model.Repository, username string) bool {
	if username == "" {
		return false
	}
	if r.IsFork && strings.EqualFold(r.Owner, username) {
		return true
	}
	return strings.Contains(strings.ToLower(r.NameWithOwner), strings.ToLower(username))
}
