package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/okian/klyro/internal/adapters/http/api"
	"github.com/okian/klyro/internal/adapters/http/swagger"
	"github.com/okian/klyro/internal/adapters/repository"
	app "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/loadgen"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/telemetry"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 30 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

var errNoDatabase = errors.New("KLYRO_DATABASE_URL is required for migrations")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "klyro",
		Short:         "Developer-score ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and the stale refresher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migrations",
	}
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), true)
		},
	}
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert all applied migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), false)
		},
	}
	migrateCmd.AddCommand(upCmd, downCmd)

	var lg loadgen.Config
	loadgenCmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Submit generated wallet identities to a running service and wait for them to settle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(); err != nil {
				return err
			}
			_, err := loadgen.Run(cmd.Context(), &lg)
			return err
		},
	}
	f := loadgenCmd.Flags()
	f.StringVar(&lg.BaseURL, "url", "http://localhost:9080", "Base URL of the service")
	f.IntVar(&lg.Users, "users", loadgen.DefaultUsers, "Number of identities to submit")
	f.IntVar(&lg.Workers, "workers", loadgen.DefaultWorkers, "Number of concurrent submitters")
	f.DurationVar(&lg.Timeout, "timeout", loadgen.DefaultTimeout, "HTTP request timeout")
	f.DurationVar(&lg.SettleTimeout, "settle-timeout", loadgen.DefaultSettleTimeout, "How long to wait for users to settle")
	f.StringVar(&lg.OutputFile, "output", "", "Write generated identities to this file")
	f.BoolVar(&lg.ForceRefresh, "force", false, "Submit with forceRefresh")

	root.AddCommand(serveCmd, migrateCmd, loadgenCmd)
	return root
}

// bootstrap loads .env and configuration and initializes logging.
func bootstrap(ctx context.Context) (*config.Config, error) {
	_ = godotenv.Load()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	// Go and process collectors live on the default registry; the service
	// exposes its own registry only.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.TelemetryEnabled)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn(sctx, "tracer shutdown failed", logger.Error(err))
		}
	}()

	svc, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	go startServiceMetricsUpdater(ctx, svc)

	srv := newHTTPServer(ctx, cfg.Addr, svc)
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error(ctx, "HTTP server failed", logger.Error(err))
		return err
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newHTTPServer registers the business API and the docs routes.
func newHTTPServer(ctx context.Context, addr string, svc *app.Service) *http.Server {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc).Register(ctx, mux)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func runMigrate(ctx context.Context, up bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	return migrate(ctx, cfg, up)
}

func migrate(ctx context.Context, cfg *config.Config, up bool) error {
	if cfg.DatabaseURL == "" {
		return errNoDatabase
	}
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	mg, err := repository.NewMigrator(pool)
	if err != nil {
		return err
	}
	if up {
		err = mg.Up()
	} else {
		err = mg.Down()
	}
	if err != nil {
		return err
	}
	logger.Get().Info(ctx, "migrations applied", logger.Bool("up", up))
	return nil
}

// startServiceMetricsUpdater refreshes queue gauges from the service stats.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = svc.GetStats()
		}
	}
}
