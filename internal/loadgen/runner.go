package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/klyro/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	filePermission      = 0o640
)

var (
	// ErrUnhealthy is returned when the health check does not answer 200.
	ErrUnhealthy = errors.New("service is not healthy")
	// ErrUnsettled is returned when some users never reached a terminal status.
	ErrUnsettled = errors.New("users did not settle before the deadline")
)

type analyzeBody struct {
	Addresses    []string `json:"addresses"`
	ForceRefresh bool     `json:"forceRefresh,omitempty"`
}

type analyzeReply struct {
	UserID        string `json:"userId"`
	Queued        bool   `json:"queued"`
	AlreadyQueued bool   `json:"alreadyQueued"`
	Cached        bool   `json:"cached"`
}

type statusReply struct {
	Status   string `json:"status"`
	InFlight bool   `json:"inFlight"`
}

// Run submits generated identities to a running service and waits for
// every queued user to settle.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	c := cfg.withDefaults()
	log := logger.Get().Named("loadgen")
	stats := &Stats{StartTime: time.Now()}
	cl := newClient(c.BaseURL, c.Timeout)

	log.Info(ctx, "starting load run",
		logger.String("baseURL", c.BaseURL),
		logger.Int("users", c.Users),
		logger.Int("workers", c.Workers))

	code, err := cl.do(ctx, http.MethodGet, "/healthz?format=json", nil, nil)
	if err != nil {
		return stats, fmt.Errorf("connect to service: %w", err)
	}
	if code != http.StatusOK {
		return stats, fmt.Errorf("%w: status %d", ErrUnhealthy, code)
	}

	ids, err := Generate(c.Users)
	if err != nil {
		return stats, err
	}
	stats.Generated = len(ids)

	if c.OutputFile != "" {
		if err := save(c.OutputFile, ids); err != nil {
			log.Warn(ctx, "failed to save identities", logger.Error(err))
		}
	}

	pending := submit(ctx, cl, &c, ids, stats)
	settle(ctx, cl, &c, pending, stats)

	stats.Duration = time.Since(stats.StartTime)
	log.Info(ctx, "load run finished",
		logger.Int("submitted", stats.Submitted),
		logger.Int("queued", stats.Queued),
		logger.Int("alreadyQueued", stats.AlreadyQueued),
		logger.Int("cached", stats.Cached),
		logger.Int("failed", stats.Failed),
		logger.Int("completed", stats.Completed),
		logger.Int("failedStatus", stats.FailedStatus),
		logger.Int("unsettled", stats.Unsettled),
		logger.Duration("duration", stats.Duration))

	if stats.Unsettled > 0 {
		return stats, fmt.Errorf("%w: %d of %d", ErrUnsettled, stats.Unsettled, len(pending))
	}
	return stats, ctx.Err()
}

// submit posts every identity and returns the ids of users to wait for.
func submit(ctx context.Context, cl *client, c *Config, ids []Identity, stats *Stats) []string {
	var (
		mu      sync.Mutex
		pending []string
		g       errgroup.Group
	)
	g.SetLimit(c.Workers)
	for _, id := range ids {
		g.Go(func() error {
			var reply analyzeReply
			code, err := cl.do(ctx, http.MethodPost, "/analyze",
				analyzeBody{Addresses: []string{id.Address}, ForceRefresh: c.ForceRefresh}, &reply)

			mu.Lock()
			defer mu.Unlock()
			stats.Submitted++
			switch {
			case err != nil, code >= http.StatusBadRequest:
				stats.Failed++
			case reply.Cached:
				stats.Cached++
			case reply.AlreadyQueued:
				stats.AlreadyQueued++
				pending = append(pending, reply.UserID)
			default:
				stats.Queued++
				pending = append(pending, reply.UserID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return pending
}

// settle polls each pending user until it is terminal and idle.
func settle(ctx context.Context, cl *client, c *Config, pending []string, stats *Stats) {
	ctx, cancel := context.WithTimeout(ctx, c.SettleTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.Workers)
	for _, userID := range pending {
		g.Go(func() error {
			status := poll(ctx, cl, c.PollInterval, userID)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case "COMPLETED":
				stats.Completed++
			case "FAILED":
				stats.FailedStatus++
			default:
				stats.Unsettled++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func poll(ctx context.Context, cl *client, interval time.Duration, userID string) string {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		var reply statusReply
		code, err := cl.do(ctx, http.MethodGet, "/users/"+userID+"/status", nil, &reply)
		if err == nil && code == http.StatusOK && !reply.InFlight &&
			(reply.Status == "COMPLETED" || reply.Status == "FAILED") {
			return reply.Status
		}
		select {
		case <-ctx.Done():
			return ""
		case <-t.C:
		}
	}
}

func save(path string, ids []Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, filePermission)
}
