package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

func init() {
	_ = logger.Init()
}

// Requires a reachable Redis, e.g. KLYRO_TEST_REDIS_URL=redis://localhost:6379/15.
func TestRedisQueue(t *testing.T) {
	url := os.Getenv("KLYRO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KLYRO_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rdb.Close()

	Convey("Given a Redis-backed queue", t, func() {
		key := "klyro:test:" + uuid.NewString()
		q := NewRedisQueue(rdb, WithKey(key), WithPollTimeout(100*time.Millisecond), WithMaxLen(2))
		defer rdb.Del(ctx, key, q.processingKey(), q.delayedKey())

		Convey("Jobs round-trip in FIFO order", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Enqueue(ctx, job("b")), ShouldBeNil)
			So(q.Len(ctx), ShouldEqual, 2)

			dctx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch := q.Dequeue(dctx)
			So((<-ch).ID, ShouldEqual, "a")
			So((<-ch).ID, ShouldEqual, "b")
		})

		Convey("The list length bound rejects extra jobs", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Enqueue(ctx, job("b")), ShouldBeNil)
			So(errors.Is(q.Enqueue(ctx, job("c")), ErrQueueFull), ShouldBeTrue)
		})

		Convey("A delivered job stays on the processing list until acked", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			dctx, cancel := context.WithCancel(ctx)
			got := <-q.Dequeue(dctx)
			cancel()
			So(got.ID, ShouldEqual, "a")
			So(rdb.LLen(ctx, q.processingKey()).Val(), ShouldEqual, 1)

			So(q.Ack(ctx, got), ShouldBeNil)
			So(rdb.LLen(ctx, q.processingKey()).Val(), ShouldEqual, 0)
			So(q.Len(ctx), ShouldEqual, 0)
		})

		Convey("Jobs left unsettled by a stopped consumer are recovered", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			dctx, cancel := context.WithCancel(ctx)
			So((<-q.Dequeue(dctx)).ID, ShouldEqual, "a")
			cancel()

			restarted := NewRedisQueue(rdb, WithKey(key), WithPollTimeout(100*time.Millisecond))
			n, err := restarted.Recover(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(rdb.LLen(ctx, q.processingKey()).Val(), ShouldEqual, 0)

			rctx, rcancel := context.WithCancel(ctx)
			defer rcancel()
			So((<-restarted.Dequeue(rctx)).ID, ShouldEqual, "a")
		})

		Convey("A retry waits in the delayed set and is delivered when due", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			dctx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch := q.Dequeue(dctx)
			first := <-ch

			next := first
			next.Attempt = 2
			So(q.Retry(ctx, next, 150*time.Millisecond), ShouldBeNil)
			So(rdb.LLen(ctx, q.processingKey()).Val(), ShouldEqual, 0)
			So(rdb.ZCard(ctx, q.delayedKey()).Val(), ShouldEqual, 1)
			So(q.Len(ctx), ShouldEqual, 1)

			var again model.Job
			select {
			case again = <-ch:
			case <-time.After(3 * time.Second):
			}
			So(again.ID, ShouldEqual, "a")
			So(again.Attempt, ShouldEqual, 2)
			So(rdb.ZCard(ctx, q.delayedKey()).Val(), ShouldEqual, 0)
		})

		Convey("Close ends dequeue loops and rejects new jobs", func() {
			ch := q.Dequeue(ctx)
			So(q.Close(), ShouldBeNil)
			_, ok := <-ch
			So(ok, ShouldBeFalse)
			So(errors.Is(q.Enqueue(ctx, job("x")), ErrQueueClosed), ShouldBeTrue)
		})
	})
}
