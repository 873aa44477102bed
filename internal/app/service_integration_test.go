package service_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/domain/model"
)

func TestServiceIntegration(t *testing.T) {
	Convey("Given a service with full integration", t, func() {
		h := newHarness(service.WithWorkerCount(4))
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		Convey("When a code-host failure is retried through the queue", func() {
			h.codeHost.failFirst = 1
			res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "bob", Addresses: []string{walletB}})
			So(err, ShouldBeNil)
			So(res.Queued, ShouldBeTrue)

			Convey("Then the second attempt completes the user", func() {
				So(h.settled(res.UserID), ShouldBeTrue)
				So(h.codeHost.calls.Load(), ShouldEqual, 2)
				// Only the failed domain is redone on the retry.
				So(h.chain.calls.Load(), ShouldEqual, 1)

				p, err := h.svc.Profile(h.ctx, "bob")
				So(err, ShouldBeNil)
				So(p.CodeHost, ShouldNotBeNil)
				So(p.Score, ShouldNotBeNil)
				So(p.Worth, ShouldNotBeNil)
			})
		})

		Convey("When many wallet-only users are analyzed", func() {
			ids := make([]uuid.UUID, 0, 12)
			for i := range 12 {
				addr := fmt.Sprintf("0x%040x", i+100)
				res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Addresses: []string{addr}})
				So(err, ShouldBeNil)
				So(res.Queued, ShouldBeTrue)
				ids = append(ids, res.UserID)
			}

			Convey("Then every user settles as completed", func() {
				for _, id := range ids {
					So(h.settled(id), ShouldBeTrue)
				}
				So(h.chain.calls.Load(), ShouldEqual, 12)
				So(h.codeHost.calls.Load(), ShouldEqual, 0)
			})
		})
	})
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given a service whose code host is held", t, func() {
		h := newHarness()
		h.codeHost.release = make(chan struct{})
		So(h.svc.Start(h.ctx), ShouldBeNil)
		defer h.svc.Stop()

		Convey("When the same user is analyzed from many goroutines", func() {
			const callers = 16
			results := make([]service.AnalyzeResult, callers)
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice"})
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one job is queued for one user", func() {
				queued := 0
				for i := range callers {
					So(errs[i], ShouldBeNil)
					So(results[i].UserID, ShouldEqual, results[0].UserID)
					if results[i].Queued {
						queued++
					} else {
						So(results[i].AlreadyQueued, ShouldBeTrue)
					}
				}
				So(queued, ShouldEqual, 1)

				close(h.codeHost.release)
				So(h.settled(results[0].UserID), ShouldBeTrue)
				So(h.codeHost.calls.Load(), ShouldEqual, 1)
			})
		})
	})
}

func TestServiceStopDrains(t *testing.T) {
	Convey("Given a started service with queued work", t, func() {
		h := newHarness(service.WithWorkerCount(1))
		So(h.svc.Start(h.ctx), ShouldBeNil)

		res, err := h.svc.Analyze(h.ctx, service.AnalyzeRequest{Username: "alice"})
		So(err, ShouldBeNil)

		Convey("When the service stops", func() {
			done := make(chan struct{})
			go func() {
				h.svc.Stop()
				close(done)
			}()

			Convey("Then Stop returns and the job reached a terminal state", func() {
				select {
				case <-done:
				case <-time.After(10 * time.Second):
					t.Fatal("stop did not return")
				}
				p, err := h.store.GetProfile(h.ctx, res.UserID)
				So(err, ShouldBeNil)
				So(p.User.Status, ShouldBeIn, []model.Status{model.StatusCompleted, model.StatusPending})
			})
		})
	})
}
