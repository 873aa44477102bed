package ingest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/klyro/internal/adapters/repository"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/ingest"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

func init() {
	_ = logger.Init()
}

const (
	wallet      = "0xabc0000000000000000000000000000000000001"
	otherWallet = "0xabc0000000000000000000000000000000000002"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticPlatform struct{ cfg *config.PlatformConfig }

func (s staticPlatform) Load(context.Context) *config.PlatformConfig { return s.cfg }

type fakeCodeHost struct {
	calls atomic.Int32
	err   error
	boom  bool
}

func (f *fakeCodeHost) Fetch(_ context.Context, username string) (*model.CodeHostData, error) {
	f.calls.Add(1)
	if f.boom {
		panic("code host exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.CodeHostData{
		Profile:      model.CodeHostProfile{Login: username, Followers: 40},
		Languages:    map[string]int64{"Solidity": 40_000, "Go": 120_000},
		TotalStars:   25,
		TotalForks:   4,
		Repositories: []model.Repository{},
		Contributions: model.ContributionStats{
			TotalContributions: 300,
			TotalPRs:           20,
			TotalIssues:        5,
		},
	}, nil
}

type fakeChain struct {
	calls       atomic.Int32
	failPolygon bool
	// during runs inside the fetch of the given call number.
	during func(call int32)

	mu   sync.Mutex
	seen [][]string
}

func (f *fakeChain) Fetch(_ context.Context, addresses []string, _ *config.PlatformConfig) (*model.ChainData, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, append([]string(nil), addresses...))
	f.mu.Unlock()
	if f.during != nil {
		f.during(n)
	}
	eth := model.NetworkData{
		Network:   "ethereum:mainnet",
		Status:    model.StatusCompleted,
		Contracts: []model.Contract{{Address: "0xc0ffee", Deployer: addresses[0], TVL: 5000, UniqueUsers: 12, Transactions: 30}},
		Transfers: []model.Transfer{},
		Stats:     model.ChainStats{MainnetContracts: 1, TVL: 5000, UniqueUsers: 12, Transactions: 30},
	}
	data := &model.ChainData{Networks: map[string]model.NetworkData{"ethereum:mainnet": eth}}
	data.Total.Add(eth.Stats)
	if f.failPolygon {
		data.Networks["polygon:mainnet"] = model.NetworkData{
			Network: "polygon:mainnet", Status: model.StatusFailed, Error: "rpc down",
			Contracts: []model.Contract{}, Transfers: []model.Transfer{},
		}
		return data, errors.New("chain: one or more networks failed: polygon:mainnet")
	}
	return data, nil
}

type fakeBadges struct{ calls atomic.Int32 }

func (f *fakeBadges) Fetch(context.Context, []string, *config.PlatformConfig) *model.BadgeData {
	f.calls.Add(1)
	b := model.EmptyBadges().Merge(model.BadgeData{
		Hacker: model.BadgeBucket{Count: 2, Items: []model.Badge{{Name: "a"}, {Name: "b"}}},
		Wins:   model.BadgeBucket{Count: 1, Items: []model.Badge{{Name: "finalist"}}},
	})
	return &b
}

type fakeIssuer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeIssuer) Issue(context.Context, model.Profile) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "cred-42", nil
}

type fixture struct {
	ctx      context.Context
	clk      *clock
	store    *repository.MemoryStore
	codeHost *fakeCodeHost
	chain    *fakeChain
	badges   *fakeBadges
	issuer   *fakeIssuer
	orch     *ingest.Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		ctx:      context.Background(),
		clk:      &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		codeHost: &fakeCodeHost{},
		chain:    &fakeChain{},
		badges:   &fakeBadges{},
		issuer:   &fakeIssuer{},
	}
	f.store = repository.NewMemoryStore(repository.WithClock(f.clk.Now))
	f.orch = ingest.New(f.store, staticPlatform{cfg: config.DefaultPlatform()},
		ingest.WithCodeHost(f.codeHost),
		ingest.WithChain(f.chain),
		ingest.WithBadges(f.badges),
		ingest.WithIssuer(f.issuer),
		ingest.WithClock(f.clk.Now),
	)
	return f
}

func (f *fixture) user(id model.Identity) model.User {
	u, _, err := f.store.UpsertUser(f.ctx, id)
	So(err, ShouldBeNil)
	So(f.store.InitDomains(f.ctx, u.ID, model.AllDomains), ShouldBeNil)
	return u
}

func (f *fixture) profile(id uuid.UUID) model.Profile {
	p, err := f.store.GetProfile(f.ctx, id)
	So(err, ShouldBeNil)
	return p
}

func TestOrchestratorRun(t *testing.T) {
	Convey("Given a new user with a username and a wallet", t, func() {
		f := newFixture()
		u := f.user(model.Identity{Username: "alice", Addresses: []string{wallet}})

		Convey("A first run fetches every domain, scores and completes", func() {
			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, model.StatusCompleted)
			So(res.Scored, ShouldBeTrue)
			So(res.Processed, ShouldHaveLength, 3)

			p := f.profile(u.ID)
			So(p.User.Status, ShouldEqual, model.StatusCompleted)
			So(p.User.LastFetchedAt, ShouldNotBeNil)
			So(p.User.CredentialID, ShouldEqual, "cred-42")
			for _, d := range model.AllDomains {
				So(p.State(d).Status, ShouldEqual, model.StatusCompleted)
			}
			So(p.CodeHost.TotalStars, ShouldEqual, 25)
			So(p.Chain.Total.TVL, ShouldEqual, 5000)
			So(p.Badges.Wins.Count, ShouldEqual, 1)
			So(p.Score.Total, ShouldBeGreaterThan, 0)
			So(p.Score.PreviousTotal, ShouldBeNil)
			So(p.Worth.Total, ShouldBeGreaterThan, 0)
			So(f.issuer.calls.Load(), ShouldEqual, 1)
		})

		Convey("A second run inside the staleness window does nothing", func() {
			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			before := f.profile(u.ID)
			f.clk.Advance(time.Hour)

			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(res.Cached, ShouldBeTrue)
			So(res.Status, ShouldEqual, model.StatusCompleted)
			So(f.codeHost.calls.Load(), ShouldEqual, 1)
			So(f.chain.calls.Load(), ShouldEqual, 1)
			So(f.badges.calls.Load(), ShouldEqual, 1)
			So(f.issuer.calls.Load(), ShouldEqual, 1)
			So(f.profile(u.ID), ShouldResemble, before)
		})

		Convey("Stale data is refetched and the previous score is kept for trend", func() {
			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			first := f.profile(u.ID).Score.Total
			f.clk.Advance(30 * time.Hour)

			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(res.Processed, ShouldHaveLength, 3)
			So(f.codeHost.calls.Load(), ShouldEqual, 2)
			So(f.chain.calls.Load(), ShouldEqual, 2)
			So(f.badges.calls.Load(), ShouldEqual, 2)
			p := f.profile(u.ID)
			So(p.Score.PreviousTotal, ShouldNotBeNil)
			So(*p.Score.PreviousTotal, ShouldEqual, first)
		})

		Convey("Force refresh bypasses the staleness window", func() {
			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(f.orch.Process(f.ctx, model.Job{UserID: u.ID, ForceRefresh: true}), ShouldBeNil)
			So(f.codeHost.calls.Load(), ShouldEqual, 2)
		})

		Convey("An address linked while the chain is fetched is covered before the run completes", func() {
			var linkErr error
			f.chain.during = func(call int32) {
				if call != 1 {
					return
				}
				// What an analyze request does for a user with a job in flight.
				_, _, linkErr = f.store.UpsertUser(f.ctx, model.Identity{Username: "alice", Addresses: []string{otherWallet}})
				_ = f.store.SetDomainStatus(f.ctx, u.ID, model.DomainChain, model.StatusPending, "")
				_ = f.store.SetDomainStatus(f.ctx, u.ID, model.DomainBadge, model.StatusPending, "")
			}

			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(linkErr, ShouldBeNil)
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, model.StatusCompleted)
			So(f.chain.calls.Load(), ShouldEqual, 2)
			So(f.chain.seen[1], ShouldResemble, []string{wallet, otherWallet})
			So(f.badges.calls.Load(), ShouldEqual, 2)
			So(f.codeHost.calls.Load(), ShouldEqual, 1)

			p := f.profile(u.ID)
			So(p.State(model.DomainChain).Status, ShouldEqual, model.StatusCompleted)
			So(p.User.Status, ShouldEqual, model.StatusCompleted)
		})

		Convey("A chain fetch that misses a newly linked address is not left COMPLETED", func() {
			var linkErr error
			f.chain.during = func(call int32) {
				if call == 1 {
					_, _, linkErr = f.store.UpsertUser(f.ctx, model.Identity{Addresses: []string{wallet, otherWallet}})
				}
			}

			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(linkErr, ShouldBeNil)
			So(err, ShouldBeNil)
			So(f.chain.calls.Load(), ShouldEqual, 2)
			So(f.chain.seen[1], ShouldContain, otherWallet)
		})

		Convey("One failed chain network keeps the others and fails the user", func() {
			f.chain.failPolygon = true
			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(errors.Is(err, ingest.ErrDomainFailed), ShouldBeTrue)

			p := f.profile(u.ID)
			So(p.User.Status, ShouldEqual, model.StatusFailed)
			So(p.State(model.DomainChain).Status, ShouldEqual, model.StatusFailed)
			So(p.State(model.DomainCodeHost).Status, ShouldEqual, model.StatusCompleted)
			So(p.Chain, ShouldNotBeNil)
			So(p.Chain.Networks["ethereum:mainnet"].Stats.TVL, ShouldEqual, 5000)
			So(p.Chain.Networks["polygon:mainnet"].Status, ShouldEqual, model.StatusFailed)
			So(f.issuer.calls.Load(), ShouldEqual, 0)

			Convey("and a retry redoes only the failed domain", func() {
				f.chain.failPolygon = false
				res, err := f.orch.Run(f.ctx, u.ID, false)
				So(err, ShouldBeNil)
				So(res.Processed, ShouldResemble, []model.Domain{model.DomainChain})
				So(f.codeHost.calls.Load(), ShouldEqual, 1)
				So(f.badges.calls.Load(), ShouldEqual, 1)
				So(f.chain.calls.Load(), ShouldEqual, 2)
				So(f.profile(u.ID).User.Status, ShouldEqual, model.StatusCompleted)
			})
		})

		Convey("A code-host failure is isolated to its domain", func() {
			f.codeHost.err = errors.New("rate limited for good")
			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldNotBeNil)
			So(res.Failed, ShouldResemble, []model.Domain{model.DomainCodeHost})

			p := f.profile(u.ID)
			So(p.State(model.DomainCodeHost).Status, ShouldEqual, model.StatusFailed)
			So(p.State(model.DomainCodeHost).Error, ShouldContainSubstring, "rate limited")
			So(p.State(model.DomainChain).Status, ShouldEqual, model.StatusCompleted)
			So(p.State(model.DomainBadge).Status, ShouldEqual, model.StatusCompleted)
			So(p.User.Status, ShouldEqual, model.StatusFailed)
		})

		Convey("A panicking connector leaves the user FAILED, never PROCESSING", func() {
			f.codeHost.boom = true
			_, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldNotBeNil)
			p := f.profile(u.ID)
			So(p.User.Status, ShouldEqual, model.StatusFailed)
			So(p.State(model.DomainCodeHost).Status, ShouldEqual, model.StatusFailed)
		})

		Convey("Issuer failures never fail the run", func() {
			f.issuer.err = errors.New("issuer offline")
			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, model.StatusCompleted)
			So(f.profile(u.ID).User.CredentialID, ShouldBeEmpty)
		})
	})

	Convey("Given a wallet-only user", t, func() {
		f := newFixture()
		u := f.user(model.Identity{Addresses: []string{wallet}})

		Convey("The code host is never queried and the run completes", func() {
			res, err := f.orch.Run(f.ctx, u.ID, false)
			So(err, ShouldBeNil)
			So(res.Processed, ShouldResemble, []model.Domain{model.DomainChain, model.DomainBadge})
			So(f.codeHost.calls.Load(), ShouldEqual, 0)
			So(f.profile(u.ID).CodeHost, ShouldBeNil)
		})
	})

	Convey("Given an unknown user", t, func() {
		f := newFixture()
		_, err := f.orch.Run(f.ctx, uuid.New(), false)
		So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
	})
}

func TestNeedsProcessing(t *testing.T) {
	Convey("NeedsProcessing", t, func() {
		now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		recent := now.Add(-time.Hour)
		old := now.Add(-30 * time.Hour)
		window := 24 * time.Hour

		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusPending}, false, now, window), ShouldBeTrue)
		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusFailed, LastFetchedAt: &recent}, false, now, window), ShouldBeTrue)
		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusCompleted}, false, now, window), ShouldBeTrue)
		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusCompleted, LastFetchedAt: &recent}, false, now, window), ShouldBeFalse)
		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusCompleted, LastFetchedAt: &recent}, true, now, window), ShouldBeTrue)
		So(ingest.NeedsProcessing(model.DomainState{Status: model.StatusCompleted, LastFetchedAt: &old}, false, now, window), ShouldBeTrue)
	})
}
