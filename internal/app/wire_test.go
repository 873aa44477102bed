package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/klyro/internal/adapters/repository"
	service "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/config"
)

func TestBuild(t *testing.T) {
	ctx := context.Background()

	Convey("Given configuration without a database or a redis queue", t, func() {
		cfg := config.New()
		cfg.ChainAPIKeys = []string{"chain-key"}
		cfg.GitHubTokens = []string{"gh-token"}
		cfg.IssuerURL = "http://issuer.invalid"

		Convey("Build assembles a service on the memory store and queue", func() {
			svc, err := service.Build(ctx, cfg)
			So(err, ShouldBeNil)
			So(svc, ShouldNotBeNil)

			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop()

			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["workerCount"], ShouldEqual, cfg.WorkerCount)
			So(stats["queueLength"], ShouldEqual, 0)
			So(stats["refreshSched"], ShouldEqual, cfg.RefreshCron)

			_, err = svc.Status(ctx, uuid.New())
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

			_, err = svc.Analyze(ctx, service.AnalyzeRequest{Addresses: []string{"0x123"}})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Build works without any credentials", func() {
			cfg.ChainAPIKeys = nil
			cfg.GitHubTokens = nil
			svc, err := service.Build(ctx, cfg)
			So(err, ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			svc.Stop()
		})

		Convey("An unknown block-time fallback is a configuration error", func() {
			cfg.BlockTimeFallback = "guess"
			svc, err := service.Build(ctx, cfg)
			So(svc, ShouldBeNil)
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("A malformed redis url fails before anything starts", func() {
			cfg.QueueBackend = config.QueueRedis
			cfg.RedisURL = "not-a-redis-url"
			svc, err := service.Build(ctx, cfg)
			So(svc, ShouldBeNil)
			So(err, ShouldNotBeNil)
		})
	})
}
