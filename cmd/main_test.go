package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When configuration comes from the environment", func() {
			t.Setenv("KLYRO_ADDR", ":8080")
			t.Setenv("KLYRO_QUEUE_SIZE", "1000")
			t.Setenv("KLYRO_WORKER_COUNT", "4")
			t.Setenv("KLYRO_CHAIN_API_KEYS", "chain-key")

			convey.Convey("Then bootstrap loads it and initializes logging", func() {
				cfg, err := bootstrap(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldNotBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 1000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
			})
		})

		convey.Convey("When the command tree is built", func() {
			root := newRootCmd()

			convey.Convey("Then serve, migrate up/down and loadgen are registered", func() {
				serve, _, err := root.Find([]string{"serve"})
				convey.So(err, convey.ShouldBeNil)
				convey.So(serve.Name(), convey.ShouldEqual, "serve")

				up, _, err := root.Find([]string{"migrate", "up"})
				convey.So(err, convey.ShouldBeNil)
				convey.So(up.Name(), convey.ShouldEqual, "up")

				down, _, err := root.Find([]string{"migrate", "down"})
				convey.So(err, convey.ShouldBeNil)
				convey.So(down.Name(), convey.ShouldEqual, "down")

				lg, _, err := root.Find([]string{"loadgen"})
				convey.So(err, convey.ShouldBeNil)
				convey.So(lg.Flags().Lookup("users"), convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When migrating without a database", func() {
			cfg := config.New()
			cfg.DatabaseURL = ""

			convey.Convey("Then the command refuses to run", func() {
				convey.So(migrate(context.Background(), cfg, true), convey.ShouldEqual, errNoDatabase)
			})
		})

		convey.Convey("When the HTTP server is assembled around a started service", func() {
			ctx := context.Background()
			svc := app.New(app.WithWorkerCount(2), app.WithQueueSize(16))
			convey.So(svc.Start(ctx), convey.ShouldBeNil)
			defer svc.Stop()

			srv := newHTTPServer(ctx, ":0", svc)
			convey.So(srv.ReadTimeout, convey.ShouldEqual, readTimeout)
			convey.So(srv.ReadHeaderTimeout, convey.ShouldEqual, readHeaderTimeout)

			ts := httptest.NewServer(srv.Handler)
			defer ts.Close()

			convey.Convey("Then health, stats and docs are served", func() {
				for _, path := range []string{"/healthz?format=json", "/stats", "/openapi.yaml", "/api-docs"} {
					resp, err := http.Get(ts.URL + path)
					convey.So(err, convey.ShouldBeNil)
					_ = resp.Body.Close()
					convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
				}
			})

			convey.Convey("Then an empty analyze request is a bad request", func() {
				resp, err := http.Post(ts.URL+"/analyze", "application/json", strings.NewReader(`{}`))
				convey.So(err, convey.ShouldBeNil)
				_ = resp.Body.Close()
				convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusBadRequest)
			})
		})
	})
}
