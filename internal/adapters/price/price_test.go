package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

func init() {
	_ = logger.Init()
}

type fakeFeed struct {
	srv      *httptest.Server
	calls    atomic.Int32
	failing  atomic.Bool
	mu       sync.Mutex
	authSeen []string
}

func newFakeFeed(body string) *fakeFeed {
	f := &fakeFeed{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		f.mu.Unlock()
		if f.failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path != "/data/price" || r.URL.Query().Get("fsym") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	return f
}

func quickPolicy() retry.Policy {
	return retry.Policy{Name: "price.test", MaxAttempts: 2, InitialDelay: time.Millisecond}
}

func TestOraclePrice(t *testing.T) {
	Convey("Given a price feed quoting ETH at 2500 USD", t, func() {
		feed := newFakeFeed(`{"USD":2500.5}`)
		defer feed.srv.Close()

		now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		keys, err := rotator.New(map[string][]string{rotator.PoolPrice: {"k1", "k2"}})
		So(err, ShouldBeNil)
		o := New(feed.srv.URL, keys, WithRetryPolicy(quickPolicy()), WithClock(clock), WithTTL(30*time.Minute))
		ctx := context.Background()

		Convey("The first lookup fetches and rotates keys", func() {
			So(o.Price(ctx, "eth", "usd"), ShouldEqual, 2500.5)
			So(feed.calls.Load(), ShouldEqual, 1)
			So(feed.authSeen[0], ShouldEqual, "Apikey k1")
		})

		Convey("Fresh entries are served from cache", func() {
			o.Price(ctx, "ETH", "USD")
			now = now.Add(29 * time.Minute)
			So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 2500.5)
			So(feed.calls.Load(), ShouldEqual, 1)
		})

		Convey("Expired entries are refreshed", func() {
			o.Price(ctx, "ETH", "USD")
			now = now.Add(31 * time.Minute)
			o.Price(ctx, "ETH", "USD")
			So(feed.calls.Load(), ShouldEqual, 2)
			So(feed.authSeen[1], ShouldEqual, "Apikey k2")
		})

		Convey("A failed refresh falls back to the expired entry", func() {
			o.Price(ctx, "ETH", "USD")
			now = now.Add(time.Hour)
			feed.failing.Store(true)
			So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 2500.5)
		})

		Convey("A failure with no cached entry yields zero", func() {
			feed.failing.Store(true)
			So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 0)
			So(feed.calls.Load(), ShouldEqual, 2)
		})

		Convey("An outage costs one feed round per failure TTL, not one per lookup", func() {
			feed.failing.Store(true)
			for range 20 {
				So(o.USD(ctx, "ETH", decimal.RequireFromString("3")).IsZero(), ShouldBeTrue)
			}
			So(feed.calls.Load(), ShouldEqual, 2)

			now = now.Add(DefaultFailureTTL + time.Second)
			So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 0)
			So(feed.calls.Load(), ShouldEqual, 4)

			Convey("and the pair recovers once the feed does", func() {
				feed.failing.Store(false)
				now = now.Add(DefaultFailureTTL + time.Second)
				So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 2500.5)
				So(feed.calls.Load(), ShouldEqual, 5)
			})
		})

		Convey("An expired entry is served while the pair cools down", func() {
			o.Price(ctx, "ETH", "USD")
			now = now.Add(time.Hour)
			feed.failing.Store(true)
			for range 5 {
				So(o.Price(ctx, "ETH", "USD"), ShouldEqual, 2500.5)
			}
			So(feed.calls.Load(), ShouldEqual, 3)
		})

		Convey("Concurrent lookups during an outage share one feed round", func() {
			feed.failing.Store(true)
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					o.Price(ctx, "ETH", "USD")
				}()
			}
			wg.Wait()
			So(feed.calls.Load(), ShouldEqual, 2)
		})

		Convey("USD multiplies amounts by the spot price", func() {
			got := o.USD(ctx, "ETH", decimal.RequireFromString("2"))
			So(got.Equal(decimal.RequireFromString("5001")), ShouldBeTrue)
			So(o.USD(ctx, "ETH", decimal.Zero).IsZero(), ShouldBeTrue)
		})

		Convey("Blank symbols are zero without a request", func() {
			So(o.Price(ctx, " ", "USD"), ShouldEqual, 0)
			So(feed.calls.Load(), ShouldEqual, 0)
		})
	})

	Convey("Given a feed that does not quote the pair", t, func() {
		feed := newFakeFeed(`{"Response":"Error","Message":"no data for FOO"}`)
		defer feed.srv.Close()
		o := New(feed.srv.URL, nil, WithRetryPolicy(quickPolicy()))

		Convey("The lookup is not retried and yields zero", func() {
			So(o.Price(context.Background(), "FOO", "USD"), ShouldEqual, 0)
			So(feed.calls.Load(), ShouldEqual, 1)
			So(feed.authSeen[0], ShouldEqual, "")
		})
	})
}
