package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/klyro/internal/adapters/mq/queue"
	"github.com/okian/klyro/internal/adapters/repository"
	service "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/gate"
	"github.com/okian/klyro/internal/domain/ingest"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

const (
	walletA = "0xAbC0000000000000000000000000000000000001"
	walletB = "0xabc0000000000000000000000000000000000002"
)

type staticPlatform struct{ cfg *config.PlatformConfig }

func (s staticPlatform) Load(context.Context) *config.PlatformConfig { return s.cfg }

func testPlatform() staticPlatform {
	cfg := config.DefaultPlatform()
	cfg.Gates = map[string]config.Gate{
		"builders": {MinScore: 0},
		"elite":    {MinScore: 1e9},
		"devs":     {RequireCodeHost: true},
	}
	return staticPlatform{cfg: cfg}
}

type usernames map[string]bool

func (u usernames) IsValidUsername(_ context.Context, name string) bool { return u[name] }

// codeHost blocks every fetch until release is closed and can fail the
// first failFirst calls.
type codeHost struct {
	calls     atomic.Int32
	release   chan struct{}
	failFirst int32
}

func newCodeHost() *codeHost {
	c := &codeHost{release: make(chan struct{})}
	close(c.release)
	return c
}

func (c *codeHost) Fetch(ctx context.Context, username string) (*model.CodeHostData, error) {
	n := c.calls.Add(1)
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if n <= c.failFirst {
		return nil, errors.New("code host unavailable")
	}
	return &model.CodeHostData{
		Profile:      model.CodeHostProfile{Login: username, Followers: 10},
		Languages:    map[string]int64{"Solidity": 20_000},
		Repositories: []model.Repository{},
		TotalStars:   3,
	}, nil
}

// chainSource records the addresses of every fetch. hold makes fetches
// wait for release and announce themselves on started.
type chainSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen [][]string
}

func (c *chainSource) hold() {
	c.started = make(chan struct{}, 8)
	c.release = make(chan struct{})
}

func (c *chainSource) Fetch(ctx context.Context, addresses []string, _ *config.PlatformConfig) (*model.ChainData, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.seen = append(c.seen, append([]string(nil), addresses...))
	c.mu.Unlock()
	if c.release != nil {
		c.started <- struct{}{}
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &model.ChainData{Networks: map[string]model.NetworkData{}}, nil
}

func (c *chainSource) last() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) == 0 {
		return nil
	}
	return c.seen[len(c.seen)-1]
}

type badgeSource struct{}

func (badgeSource) Fetch(context.Context, []string, *config.PlatformConfig) *model.BadgeData {
	b := model.EmptyBadges()
	b.Wins = model.BadgeBucket{Count: 1, Items: []model.Badge{{Name: "Finalist"}}}
	b.TotalBadges = 1
	return &b
}

type harness struct {
	ctx      context.Context
	store    *repository.MemoryStore
	codeHost *codeHost
	chain    *chainSource
	svc      *service.Service
	now      atomic.Pointer[time.Time]
}

func newHarness(opts ...service.Option) *harness {
	h := &harness{
		ctx:      context.Background(),
		store:    repository.NewMemoryStore(),
		codeHost: newCodeHost(),
		chain:    &chainSource{},
	}
	start := time.Now()
	h.now.Store(&start)
	clock := func() time.Time { return *h.now.Load() }

	platform := testPlatform()
	orch := ingest.New(h.store, platform,
		ingest.WithCodeHost(h.codeHost),
		ingest.WithChain(h.chain),
		ingest.WithBadges(badgeSource{}),
	)
	base := []service.Option{
		service.WithStore(h.store),
		service.WithPlatform(platform),
		service.WithOrchestrator(orch),
		service.WithUsernameValidator(usernames{"alice": true, "bob": true}),
		service.WithWorkerCount(2),
		service.WithJobRetry(3, 10*time.Millisecond),
		service.WithClock(clock),
	}
	h.svc = service.New(append(base, opts...)...)
	return h
}

func (h *harness) advance(d time.Duration) {
	next := h.now.Load().Add(d)
	h.now.Store(&next)
}

// settled waits until the user completed and its job was released.
func (h *harness) settled(id uuid.UUID) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := h.svc.Status(h.ctx, id)
		if err == nil && st.Status == model.StatusCompleted && !st.InFlight {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then entry points refuse work before Start", func() {
			_, err := svc.Analyze(context.Background(), service.AnalyzeRequest{Username: "alice"})
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.RefreshStale(context.Background())
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})

		Convey("When starting and stopping twice", func() {
			So(svc.Start(context.Background()), ShouldBeNil)
			So(svc.Start(context.Background()), ShouldBeNil)
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["queueLength"], ShouldEqual, 0)

			svc.Stop()
			svc.Stop()

			Convey("Then it is marked as stopped", func() {
				So(svc.GetStats()["started"], ShouldEqual, false)
			})
		})

		Convey("An invalid refresh schedule fails Start", func() {
			bad := service.New(service.WithRefreshSchedule("whenever"))
			So(bad.Start(context.Background()), ShouldNotBeNil)
		})
	})
}

func TestService_AnalyzeValidation(t *testing.T) {
	Convey("Given a started service", t, func() {
		h := newHarness()
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		Convey("A request without username or address is invalid", func() {
			_, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Addresses: []string{" "}})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("A malformed address is invalid", func() {
			_, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Addresses: []string{"0x123"}})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = h.svc.Analyze(h.ctx, service.AnalyzeRequest{Addresses: []string{"abc0000000000000000000000000000000000001"}})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("An unknown username is a rejection, not an error", func() {
			res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "ghost"})
			So(err, ShouldBeNil)
			So(res.Rejected, ShouldBeTrue)
			So(res.Reason, ShouldEqual, service.ReasonInvalidUsername)
			So(res.Queued, ShouldBeFalse)

			_, err = h.svc.Profile(h.ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestService_AnalyzeFlow(t *testing.T) {
	Convey("Given a started service whose code host is held", t, func() {
		h := newHarness()
		h.codeHost.release = make(chan struct{})
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		req := service.AnalyzeRequest{Username: "alice", Addresses: []string{walletA}}
		first, err := h.svc.Analyze(h.ctx, req)
		So(err, ShouldBeNil)
		So(first.Queued, ShouldBeTrue)
		So(first.Status, ShouldEqual, model.StatusPending)

		Convey("A second request while the job is in flight is not queued again", func() {
			again, err := h.svc.Analyze(h.ctx, req)
			So(err, ShouldBeNil)
			So(again.AlreadyQueued, ShouldBeTrue)
			So(again.UserID, ShouldEqual, first.UserID)
			close(h.codeHost.release)
			So(h.settled(first.UserID), ShouldBeTrue)
		})

		Convey("Once the job settles", func() {
			close(h.codeHost.release)
			So(h.settled(first.UserID), ShouldBeTrue)

			Convey("The same request is answered from the store", func() {
				res, err := h.svc.Analyze(h.ctx, req)
				So(err, ShouldBeNil)
				So(res.Cached, ShouldBeTrue)
				So(res.Profile, ShouldNotBeNil)
				So(res.Profile.Score, ShouldNotBeNil)
				So(res.Profile.User.Addresses, ShouldResemble, []string{"0xabc0000000000000000000000000000000000001"})
				So(h.codeHost.calls.Load(), ShouldEqual, 1)
			})

			Convey("A new address queues a fresh run", func() {
				res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", Addresses: []string{walletB}})
				So(err, ShouldBeNil)
				So(res.Queued, ShouldBeTrue)
				So(res.UserID, ShouldEqual, first.UserID)
				So(h.settled(first.UserID), ShouldBeTrue)

				p, err := h.svc.Profile(h.ctx, walletB)
				So(err, ShouldBeNil)
				So(p.User.Addresses, ShouldHaveLength, 2)
				So(h.chain.calls.Load(), ShouldEqual, 2)
				So(h.codeHost.calls.Load(), ShouldEqual, 1)
			})

			Convey("A forced refresh is queued even though the data is fresh", func() {
				res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", ForceRefresh: true})
				So(err, ShouldBeNil)
				So(res.Queued, ShouldBeTrue)
				So(h.settled(first.UserID), ShouldBeTrue)
				So(h.codeHost.calls.Load(), ShouldEqual, 2)
			})

			Convey("Status reports every domain", func() {
				st, err := h.svc.Status(h.ctx, first.UserID)
				So(err, ShouldBeNil)
				So(st.LastFetchedAt, ShouldNotBeNil)
				So(st.Domains[model.DomainCodeHost].Status, ShouldEqual, model.StatusCompleted)
				So(st.Domains[model.DomainScore].Status, ShouldEqual, model.StatusCompleted)
			})
		})
	})
}

func TestService_RequestsWhileInFlight(t *testing.T) {
	Convey("Given a started service whose chain fetch is held", t, func() {
		h := newHarness()
		h.chain.hold()
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		first, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", Addresses: []string{walletA}})
		So(err, ShouldBeNil)
		So(first.Queued, ShouldBeTrue)

		fetching := false
		select {
		case <-h.chain.started:
			fetching = true
		case <-time.After(5 * time.Second):
		}
		So(fetching, ShouldBeTrue)

		Convey("An address linked mid-run is fetched before the user settles", func() {
			again, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", Addresses: []string{walletB}})
			So(err, ShouldBeNil)
			So(again.AlreadyQueued, ShouldBeTrue)

			close(h.chain.release)
			So(h.settled(first.UserID), ShouldBeTrue)

			So(h.chain.calls.Load(), ShouldBeGreaterThanOrEqualTo, 2)
			So(h.chain.last(), ShouldResemble, []string{
				"0xabc0000000000000000000000000000000000001",
				"0xabc0000000000000000000000000000000000002",
			})
			st, err := h.svc.Status(h.ctx, first.UserID)
			So(err, ShouldBeNil)
			So(st.Domains[model.DomainChain].Status, ShouldEqual, model.StatusCompleted)

			res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", Addresses: []string{walletA, walletB}})
			So(err, ShouldBeNil)
			So(res.Cached, ShouldBeTrue)
		})

		Convey("A forced refresh sent mid-run runs once the job settles", func() {
			again, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", ForceRefresh: true})
			So(err, ShouldBeNil)
			So(again.AlreadyQueued, ShouldBeTrue)

			close(h.chain.release)
			So(h.settled(first.UserID), ShouldBeTrue)
			So(h.codeHost.calls.Load(), ShouldEqual, 2)
			So(h.chain.calls.Load(), ShouldEqual, 2)
		})

		Convey("A repeated request adds no extra run", func() {
			again, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice", Addresses: []string{walletA}})
			So(err, ShouldBeNil)
			So(again.AlreadyQueued, ShouldBeTrue)

			close(h.chain.release)
			So(h.settled(first.UserID), ShouldBeTrue)
			So(h.chain.calls.Load(), ShouldEqual, 1)
		})
	})
}

func TestService_LostJobRecovery(t *testing.T) {
	Convey("Given a user left PROCESSING by a job that never settled", t, func() {
		h := newHarness()
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		u, _, err := h.store.UpsertUser(h.ctx, model.Identity{Username: "alice", Addresses: []string{walletA}})
		So(err, ShouldBeNil)
		So(h.store.InitDomains(h.ctx, u.ID, model.AllDomains), ShouldBeNil)
		So(h.store.SetUserStatus(h.ctx, u.ID, model.StatusProcessing, nil), ShouldBeNil)

		Convey("A refresh pass inside the stuck timeout leaves it alone", func() {
			n, err := h.svc.RefreshStale(h.ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("A refresh pass past the stuck timeout runs it again", func() {
			h.advance(2 * time.Hour)
			n, err := h.svc.RefreshStale(h.ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(h.settled(u.ID), ShouldBeTrue)
			So(h.codeHost.calls.Load(), ShouldEqual, 1)
		})
	})
}

func TestService_EnqueueFailure(t *testing.T) {
	Convey("Given a service whose queue is closed", t, func() {
		q := queue.NewInMemoryQueue()
		h := newHarness(service.WithQueue(q))
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()
		So(q.Close(), ShouldBeNil)

		Convey("Analyze fails and releases the in-flight slot", func() {
			_, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "bob"})
			So(errors.Is(err, queue.ErrQueueClosed), ShouldBeTrue)

			p, err := h.svc.Profile(h.ctx, "bob")
			So(err, ShouldBeNil)
			st, err := h.svc.Status(h.ctx, p.User.ID)
			So(err, ShouldBeNil)
			So(st.InFlight, ShouldBeFalse)
		})
	})
}

func TestService_QueriesAndGates(t *testing.T) {
	Convey("Given a completed wallet-only user", t, func() {
		h := newHarness()
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Addresses: []string{walletA}, Email: "a@example.com"})
		So(err, ShouldBeNil)
		So(h.settled(res.UserID), ShouldBeTrue)
		So(h.codeHost.calls.Load(), ShouldEqual, 0)

		Convey("Profile resolves by address and by email", func() {
			p, err := h.svc.Profile(h.ctx, walletA)
			So(err, ShouldBeNil)
			So(p.User.ID, ShouldEqual, res.UserID)
			So(p.Chain, ShouldNotBeNil)
			So(p.CodeHost, ShouldBeNil)

			p, err = h.svc.Profile(h.ctx, "a@example.com")
			So(err, ShouldBeNil)
			So(p.User.ID, ShouldEqual, res.UserID)

			_, err = h.svc.Profile(h.ctx, "  ")
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Status of an unknown id is not found", func() {
			_, err := h.svc.Status(h.ctx, uuid.New())
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Gates are evaluated against the stored profile", func() {
			d, err := h.svc.Verify(h.ctx, "builders", walletA)
			So(err, ShouldBeNil)
			So(d.Passed, ShouldBeTrue)
			So(d.Wins, ShouldEqual, 1)

			d, err = h.svc.Verify(h.ctx, "elite", walletA)
			So(err, ShouldBeNil)
			So(d.Passed, ShouldBeFalse)
			So(d.Reason, ShouldEqual, gate.ReasonScoreTooLow)

			d, err = h.svc.Verify(h.ctx, "devs", walletA)
			So(err, ShouldBeNil)
			So(d.Reason, ShouldEqual, gate.ReasonCodeHostRequired)

			d, err = h.svc.Verify(h.ctx, "builders", "nobody")
			So(err, ShouldBeNil)
			So(d.Reason, ShouldEqual, gate.ReasonSubjectNotFound)

			d, err = h.svc.Verify(h.ctx, "missing", walletA)
			So(err, ShouldBeNil)
			So(d.Reason, ShouldEqual, gate.ReasonUnknownGate)
		})

		Convey("RefreshStale only picks users past the staleness window", func() {
			n, err := h.svc.RefreshStale(h.ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			h.advance(48 * time.Hour)
			n, err = h.svc.RefreshStale(h.ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})
	})
}
