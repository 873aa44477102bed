package rotator

import (
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRotatorNew(t *testing.T) {
	Convey("Given pool definitions", t, func() {
		Convey("When a pool is empty", func() {
			_, err := New(map[string][]string{PoolGitHub: {"a"}, PoolChain: {}})

			Convey("Then construction should fail fast", func() {
				So(errors.Is(err, ErrEmptyPool), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, PoolChain)
			})
		})

		Convey("When all pools have credentials", func() {
			r, err := New(map[string][]string{PoolGitHub: {"a", "b"}, PoolChain: {"k"}})

			Convey("Then the rotator should report them", func() {
				So(err, ShouldBeNil)
				So(r.Pools(), ShouldResemble, []string{PoolChain, PoolGitHub})
				So(r.Size(PoolGitHub), ShouldEqual, 2)
				So(r.Has(PoolPrice), ShouldBeFalse)
			})
		})
	})
}

func TestRotatorNext(t *testing.T) {
	Convey("Given a pool of three tokens", t, func() {
		r, err := New(map[string][]string{PoolGitHub: {"t1", "t2", "t3"}})
		So(err, ShouldBeNil)

		Convey("When calling Next four times", func() {
			var got []string
			for i := 0; i < 4; i++ {
				c, err := r.Next(PoolGitHub)
				So(err, ShouldBeNil)
				got = append(got, c)
			}

			Convey("Then each member is returned once in order and then wraps", func() {
				So(got, ShouldResemble, []string{"t1", "t2", "t3", "t1"})
			})
		})

		Convey("When asking for an unknown pool", func() {
			_, err := r.Next("missing")

			Convey("Then it should return ErrUnknownPool", func() {
				So(errors.Is(err, ErrUnknownPool), ShouldBeTrue)
			})
		})

		Convey("When many goroutines call Next concurrently", func() {
			const callers = 300
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				counts = map[string]int{}
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, _ := r.Next(PoolGitHub)
					mu.Lock()
					counts[c]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			Convey("Then no index is duplicated or skipped", func() {
				So(counts["t1"], ShouldEqual, callers/3)
				So(counts["t2"], ShouldEqual, callers/3)
				So(counts["t3"], ShouldEqual, callers/3)
			})
		})

		Convey("When two rotators are built from the same pools", func() {
			other, _ := New(map[string][]string{PoolGitHub: {"t1", "t2", "t3"}})
			_, _ = r.Next(PoolGitHub)
			c, _ := other.Next(PoolGitHub)

			Convey("Then their cursors are independent", func() {
				So(c, ShouldEqual, "t1")
			})
		})
	})
}
