package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v75/github"
	"k8s.io/utils/ptr"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/retry"
)

// IsValidUsername reports whether the account exists. Any lookup failure,
// including transport errors, yields false.
func (c *Client) IsValidUsername(ctx context.Context, username string) bool {
	username = strings.TrimSpace(username)
	if username == "" {
		return false
	}
	gh, err := c.restClient(ctx)
	if err != nil {
		return false
	}
	u, _, err := gh.Users.Get(ctx, username)
	if err != nil {
		c.log.Debug(ctx, "username lookup failed",
			logger.String("username", username),
			logger.Error(err),
		)
		return false
	}
	return u.GetLogin() != ""
}

// FetchProfile returns the account-level fields for username.
func (c *Client) FetchProfile(ctx context.Context, username string) (model.CodeHostProfile, error) {
	return retry.Do(ctx, c.policyFor("profile"), func(ctx context.Context) (model.CodeHostProfile, error) {
		gh, err := c.restClient(ctx)
		if err != nil {
			return model.CodeHostProfile{}, err
		}
		u, _, err := gh.Users.Get(ctx, username)
		if err != nil {
			return model.CodeHostProfile{}, classify(err)
		}
		return toProfile(u), nil
	})
}

// FetchOrganizations lists the public organization memberships of username.
func (c *Client) FetchOrganizations(ctx context.Context, username string) ([]model.Organization, error) {
	var out []model.Organization
	opts := &github.ListOptions{PerPage: orgPageSize}
	for {
		page, err := retry.Do(ctx, c.policyFor("organizations"), func(ctx context.Context) (orgPage, error) {
			gh, err := c.restClient(ctx)
			if err != nil {
				return orgPage{}, err
			}
			orgs, resp, err := gh.Organizations.List(ctx, username, opts)
			if err != nil {
				return orgPage{}, classify(err)
			}
			return orgPage{orgs: orgs, next: resp.NextPage}, nil
		})
		if err != nil {
			return nil, err
		}
		for _, o := range page.orgs {
			out = append(out, model.Organization{
				Login: o.GetLogin(),
				Name:  ptr.Deref(o.Name, ""),
			})
		}
		if page.next == 0 {
			return out, nil
		}
		opts.Page = page.next
	}
}

type orgPage struct {
	orgs []*github.Organization
	next int
}

func toProfile(u *github.User) model.CodeHostProfile {
	return model.CodeHostProfile{
		Login:       u.GetLogin(),
		Name:        ptr.Deref(u.Name, ""),
		Bio:         ptr.Deref(u.Bio, ""),
		Company:     ptr.Deref(u.Company, ""),
		Location:    ptr.Deref(u.Location, ""),
		AvatarURL:   ptr.Deref(u.AvatarURL, ""),
		Followers:   ptr.Deref(u.Followers, 0),
		Following:   ptr.Deref(u.Following, 0),
		PublicRepos: ptr.Deref(u.PublicRepos, 0),
		CreatedAt:   u.GetCreatedAt().Time,
	}
}

// classify maps go-github errors onto retry semantics: rate limits carry
// their status, a missing user is permanent.
func classify(err error) error {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: %w", &retry.StatusError{Status: http.StatusForbidden, Body: rl.Message}, err)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return fmt.Errorf("%w: %w", &retry.StatusError{Status: http.StatusTooManyRequests, Body: abuse.Message}, err)
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		status := er.Response.StatusCode
		if status == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrUserNotFound, err))
		}
		se := &retry.StatusError{Status: status, Body: er.Message}
		if status >= 400 && status < 500 && !retry.IsRateLimited(se) {
			return retry.Permanent(fmt.Errorf("%w: %w", se, err))
		}
		return fmt.Errorf("%w: %w", se, err)
	}
	return err
}
