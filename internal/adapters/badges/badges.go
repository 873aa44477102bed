// Package badges is the credential-badge connector. Every configured source
// is queried in parallel per address; a failing source contributes nothing.
package badges

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

const maxErrorBody = 512

// Connector looks up badges for wallet addresses.
type Connector struct {
	networks map[string]config.Network
	poapURL  string
	keys     *rotator.Rotator
	client   *http.Client
	policy   retry.Policy
	log      logger.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Connector) {
		if c != nil {
			b.client = c
		}
	}
}

// WithRetryPolicy sets the policy applied to each source request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Connector) { b.policy = p }
}

// NewConnector builds a connector. NFT sources resolve their network keys
// against networks; POAP sources use poapURL.
func NewConnector(networks []config.Network, poapURL string, keys *rotator.Rotator, opts ...Option) *Connector {
	c := &Connector{
		networks: make(map[string]config.Network, len(networks)),
		poapURL:  strings.TrimRight(poapURL, "/"),
		keys:     keys,
		client:   &http.Client{Timeout: 30 * time.Second},
		policy:   retry.Default("badges"),
		log:      logger.Get().Named("badges"),
	}
	for _, n := range networks {
		c.networks[n.Key()] = n
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch merges badges across every address and source. It never fails.
func (c *Connector) Fetch(ctx context.Context, addresses []string, cfg *config.PlatformConfig) *model.BadgeData {
	if cfg == nil {
		cfg = config.DefaultPlatform()
	}
	addresses = model.NormalizeAddresses(addresses)
	results := make([]model.BadgeData, len(addresses))

	var g errgroup.Group
	for i, addr := range addresses {
		g.Go(func() error {
			results[i] = c.ForAddress(ctx, addr, cfg)
			return nil
		})
	}
	_ = g.Wait()

	merged := model.EmptyBadges()
	for _, r := range results {
		merged = merged.Merge(r)
	}
	return &merged
}

// ForAddress runs every source for one address in parallel and merges them.
func (c *Connector) ForAddress(ctx context.Context, addr string, cfg *config.PlatformConfig) model.BadgeData {
	results := make([]model.BadgeData, len(cfg.BadgeSources))

	var g errgroup.Group
	for i, src := range cfg.BadgeSources {
		g.Go(func() error {
			var (
				res model.BadgeData
				err error
			)
			switch src.Kind {
			case config.BadgeSourceNFT:
				res, err = c.nftSource(ctx, addr, src)
			case config.BadgeSourcePOAP:
				res, err = c.poapSource(ctx, addr, src, cfg.WinKeywords)
			default:
				err = fmt.Errorf("unknown badge source kind %q", src.Kind)
			}
			if err != nil {
				metrics.RecordBadgeSourceFailure(src.Name)
				c.log.Warn(ctx, "badge source failed, using empty result",
					logger.String("source", src.Name),
					logger.String("address", addr),
					logger.Error(err),
				)
				res = model.EmptyBadges()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	merged := model.EmptyBadges()
	for _, r := range results {
		merged = merged.Merge(r)
	}
	return merged
}

type ownedNFTs struct {
	OwnedNFTs []struct {
		TokenID  string `json:"tokenId"`
		Name     string `json:"name"`
		Contract struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"contract"`
		Image struct {
			CachedURL   string `json:"cachedUrl"`
			OriginalURL string `json:"originalUrl"`
		} `json:"image"`
	} `json:"ownedNfts"`
	PageKey string `json:"pageKey"`
}

// nftSource counts owned tokens of the source's allow-listed contracts into
// its bucket.
func (c *Connector) nftSource(ctx context.Context, addr string, src config.BadgeSource) (model.BadgeData, error) {
	out := model.EmptyBadges()
	keys := make([]string, 0, len(src.Contracts))
	for k, contracts := range src.Contracts {
		if len(contracts) == 0 {
			continue
		}
		if n, ok := c.networks[k]; !ok || n.NFTURL == "" {
			return model.BadgeData{}, fmt.Errorf("no nft endpoint for %s", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, key := range keys {
		contracts := src.Contracts[key]
		n := c.networks[key]
		g.Go(func() error {
			items, err := c.ownedBadges(ctx, n, addr, contracts, src.Name)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			bucket := model.BadgeBucket{Count: len(items), Items: items}
			mu.Lock()
			if src.Bucket == model.BucketWins {
				out.Wins = out.Wins.Merge(bucket)
			} else {
				out.Hacker = out.Hacker.Merge(bucket)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.BadgeData{}, err
	}
	out.TotalBadges = out.Hacker.Count + out.Wins.Count
	return out, nil
}

func (c *Connector) ownedBadges(ctx context.Context, n config.Network, owner string, contracts []string, source string) ([]model.Badge, error) {
	var (
		items   []model.Badge
		pageKey string
	)
	for {
		q := url.Values{}
		q.Set("owner", owner)
		q.Set("withMetadata", "true")
		for _, ct := range contracts {
			q.Add("contractAddresses[]", ct)
		}
		if pageKey != "" {
			q.Set("pageKey", pageKey)
		}

		page, err := retry.Do(ctx, c.named("nft"), func(ctx context.Context) (ownedNFTs, error) {
			base, err := c.withKey(n.NFTURL, rotator.PoolChain)
			if err != nil {
				return ownedNFTs{}, retry.Permanent(err)
			}
			var res ownedNFTs
			err = c.getJSON(ctx, base+"/getNFTsForOwner?"+q.Encode(), nil, &res)
			return res, err
		})
		if err != nil {
			return nil, err
		}
		for _, nft := range page.OwnedNFTs {
			name := nft.Name
			if name == "" {
				name = nft.Contract.Name
			}
			img := nft.Image.CachedURL
			if img == "" {
				img = nft.Image.OriginalURL
			}
			items = append(items, model.Badge{Name: name, ImageURL: img, Source: source})
		}
		if page.PageKey == "" {
			return items, nil
		}
		pageKey = page.PageKey
	}
}

type poapToken struct {
	TokenID string `json:"tokenId"`
	Event   struct {
		Name     string `json:"name"`
		ImageURL string `json:"image_url"`
	} `json:"event"`
}

// poapSource classifies each attendance token as a win or participation.
func (c *Connector) poapSource(ctx context.Context, addr string, src config.BadgeSource, keywords []string) (model.BadgeData, error) {
	if c.poapURL == "" {
		return model.BadgeData{}, fmt.Errorf("poap endpoint not configured")
	}
	tokens, err := retry.Do(ctx, c.named("poap"), func(ctx context.Context) ([]poapToken, error) {
		header := http.Header{}
		if c.keys != nil && c.keys.Has(rotator.PoolPOAP) {
			key, err := c.keys.Next(rotator.PoolPOAP)
			if err != nil {
				return nil, retry.Permanent(err)
			}
			header.Set("X-API-Key", key)
		}
		var res []poapToken
		err := c.getJSON(ctx, c.poapURL+"/actions/scan/"+url.PathEscape(addr), header, &res)
		return res, err
	})
	if err != nil {
		return model.BadgeData{}, err
	}

	out := model.EmptyBadges()
	for _, t := range tokens {
		b := model.Badge{Name: t.Event.Name, ImageURL: t.Event.ImageURL, Source: src.Name}
		if IsWin(t.Event.Name, keywords) {
			out.Wins = out.Wins.Merge(model.BadgeBucket{Count: 1, Items: []model.Badge{b}})
		} else {
			out.Hacker = out.Hacker.Merge(model.BadgeBucket{Count: 1, Items: []model.Badge{b}})
		}
	}
	out.TotalBadges = out.Hacker.Count + out.Wins.Count
	return out, nil
}

// IsWin reports whether name contains any keyword, case-insensitively.
func IsWin(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (c *Connector) withKey(tmpl, pool string) (string, error) {
	tmpl = strings.TrimRight(tmpl, "/")
	if !strings.Contains(tmpl, config.KeyPlaceholder) {
		return tmpl, nil
	}
	if c.keys == nil {
		return "", fmt.Errorf("%w: %s", rotator.ErrUnknownPool, pool)
	}
	key, err := c.keys.Next(pool)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(tmpl, config.KeyPlaceholder, key), nil
}

func (c *Connector) getJSON(ctx context.Context, u string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown address: nothing owned.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Connector) named(op string) retry.Policy {
	p := c.policy
	p.Name = "badges." + op
	return p
}
