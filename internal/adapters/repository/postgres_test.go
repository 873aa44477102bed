package repository

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

// postgresStore connects to KLYRO_TEST_DATABASE_URL and migrates it, or
// skips the test when unset.
func postgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("KLYRO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KLYRO_TEST_DATABASE_URL not set")
	}
	pool, err := NewPool(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	m, err := NewMigrator(pool)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	s := postgresStore(t)

	Convey("Given a migrated database", t, func() {
		ctx := context.Background()
		name := "pg-" + uuid.NewString()[:8]
		addr := "0x" + uuid.NewString()[:8]

		u, created, err := s.UpsertUser(ctx, model.Identity{Username: name, Addresses: []string{addr}})
		So(err, ShouldBeNil)
		So(created, ShouldBeTrue)
		So(u.Addresses, ShouldResemble, []string{addr})

		Convey("Upserts are idempotent and lookups resolve", func() {
			again, created, err := s.UpsertUser(ctx, model.Identity{Addresses: []string{addr}, Email: name + "@example.com"})
			So(err, ShouldBeNil)
			So(created, ShouldBeFalse)
			So(again.ID, ShouldEqual, u.ID)
			So(again.Email, ShouldEqual, name+"@example.com")

			found, err := s.FindUser(ctx, addr)
			So(err, ShouldBeNil)
			So(found.ID, ShouldEqual, u.ID)
		})

		Convey("Address conflicts are reported", func() {
			_, _, err := s.UpsertUser(ctx, model.Identity{Username: name + "-x", Addresses: []string{addr}})
			So(errors.Is(err, ErrAddressOwned), ShouldBeTrue)
		})

		Convey("Domain records round-trip", func() {
			So(s.InitDomains(ctx, u.ID, model.AllDomains), ShouldBeNil)
			So(s.SaveDomain(ctx, u.ID, model.DomainScore, model.StatusCompleted, &model.ScoreRecord{Total: 55.5}, ""), ShouldBeNil)
			now := time.Now().UTC()
			So(s.SetUserStatus(ctx, u.ID, model.StatusCompleted, &now), ShouldBeNil)

			p, err := s.GetProfile(ctx, u.ID)
			So(err, ShouldBeNil)
			So(p.Score.Total, ShouldEqual, 55.5)
			So(p.State(model.DomainScore).Status, ShouldEqual, model.StatusCompleted)
			So(p.State(model.DomainChain).Status, ShouldEqual, model.StatusPending)
			So(p.User.Status, ShouldEqual, model.StatusCompleted)
		})

		Convey("A user left PROCESSING is listed as stuck, a completed one is not", func() {
			So(s.SetUserStatus(ctx, u.ID, model.StatusProcessing, nil), ShouldBeNil)
			stuck, err := s.ListStuck(ctx, time.Now().Add(time.Minute), 0)
			So(err, ShouldBeNil)
			So(containsUser(stuck, u.ID), ShouldBeTrue)

			stuck, err = s.ListStuck(ctx, time.Now().Add(-time.Hour), 0)
			So(err, ShouldBeNil)
			So(containsUser(stuck, u.ID), ShouldBeFalse)

			now := time.Now().UTC()
			So(s.SetUserStatus(ctx, u.ID, model.StatusCompleted, &now), ShouldBeNil)
			stuck, err = s.ListStuck(ctx, time.Now().Add(time.Minute), 0)
			So(err, ShouldBeNil)
			So(containsUser(stuck, u.ID), ShouldBeFalse)
		})

		Convey("Writes for unknown users are not found", func() {
			err := s.SetDomainStatus(ctx, uuid.New(), model.DomainChain, model.StatusFailed, "")
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})
	})
}

func containsUser(users []model.User, id uuid.UUID) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}
