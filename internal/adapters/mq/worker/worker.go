package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
)

// Default worker configuration constants.
const (
	DefaultWorkers      = 5
	DefaultMaxAttempts  = 6
	DefaultBackoff      = 5 * time.Second
	maxBackoff          = time.Hour
	poolShutdownTimeout = 30 * time.Second
)

// Handler runs one job. A non-nil error triggers a queue-level retry.
type Handler interface {
	Process(ctx context.Context, j model.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j model.Job) error

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, j model.Job) error { return f(ctx, j) } //nolint:gocritic // hugeParam: jobs travel by value

// Queue is what workers consume from and retry into.
type Queue interface {
	Dequeue(ctx context.Context) <-chan model.Job
	Enqueue(ctx context.Context, j model.Job) error
}

// Acker is implemented by queues that keep a delivered job until the worker
// settles it.
type Acker interface {
	Ack(ctx context.Context, j model.Job) error
}

// Retrier is implemented by queues that hold delayed retries themselves.
// Retry settles the delivered copy of next and makes next ready after delay.
type Retrier interface {
	Retry(ctx context.Context, next model.Job, delay time.Duration) error
}

// Releaser is told when a user's job has settled (succeeded or dropped).
type Releaser interface {
	Release(userID uuid.UUID)
}

// Worker processes jobs until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current job.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue       Queue
	handler     Handler
	releaser    Releaser
	name        string
	maxAttempts int
	backoff     time.Duration

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	retries      sync.WaitGroup

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, h Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:       q,
		handler:     h,
		name:        "worker",
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			w.handle(ctx, j)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		w.retries.Wait()
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Backoff returns the delay before retrying a job that failed on attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (w *InMemoryWorker) handle(ctx context.Context, j model.Job) { //nolint:gocritic // hugeParam: jobs travel by value
	start := time.Now()
	metrics.AddWorkerActive(1)
	// In-flight jobs run to completion even when the worker is stopping.
	err := w.process(context.WithoutCancel(ctx), j)
	metrics.AddWorkerActive(-1)

	fields := []logger.Field{
		logger.String("job_id", j.ID),
		logger.String("user_id", j.UserID.String()),
		logger.Int("attempt", j.Attempt),
		logger.Duration("elapsed", time.Since(start)),
	}
	if err == nil {
		metrics.RecordJobProcessed("ok", time.Since(start))
		w.logger.Info(ctx, "job completed", fields...)
		w.ack(ctx, j)
		w.release(j)
		return
	}
	fields = append(fields, logger.Error(err))

	if j.Attempt >= w.maxAttempts || ctx.Err() != nil {
		metrics.RecordJobProcessed("dropped", time.Since(start))
		metrics.RecordJobDropped()
		w.logger.Error(ctx, "job failed, giving up", fields...)
		w.ack(ctx, j)
		w.release(j)
		return
	}

	metrics.RecordJobProcessed("retry", time.Since(start))
	delay := Backoff(w.backoff, j.Attempt)
	w.logger.Warn(ctx, "job failed, scheduling retry", append(fields, logger.Duration("delay", delay))...)
	w.scheduleRetry(ctx, j, delay)
}

// process runs the handler, turning a panic into an error.
func (w *InMemoryWorker) process(ctx context.Context, j model.Job) (err error) { //nolint:gocritic // hugeParam: jobs travel by value
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.ID, r)
		}
	}()
	return w.handler.Process(ctx, j)
}

func (w *InMemoryWorker) scheduleRetry(ctx context.Context, j model.Job, delay time.Duration) { //nolint:gocritic // hugeParam: jobs travel by value
	next := j
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()

	if r, ok := w.queue.(Retrier); ok {
		if err := r.Retry(context.WithoutCancel(ctx), next, delay); err != nil {
			metrics.RecordJobDropped()
			w.logger.Error(ctx, "failed to schedule retry",
				logger.String("job_id", j.ID),
				logger.Error(err),
			)
			w.ack(ctx, j)
			w.release(j)
			return
		}
		metrics.RecordJobRetried()
		return
	}

	w.retries.Add(1)
	go func() {
		defer w.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			w.logger.Warn(ctx, "retry abandoned on shutdown", logger.String("job_id", j.ID))
			w.release(j)
			return
		}
		if err := w.queue.Enqueue(context.WithoutCancel(ctx), next); err != nil {
			metrics.RecordJobDropped()
			w.logger.Error(ctx, "failed to re-enqueue job",
				logger.String("job_id", j.ID),
				logger.Error(err),
			)
			w.release(j)
			return
		}
		metrics.RecordJobRetried()
	}()
}

// ack settles j on queues that track delivered jobs. A failed ack leaves the
// job for Recover, which may run it again.
func (w *InMemoryWorker) ack(ctx context.Context, j model.Job) { //nolint:gocritic // hugeParam: jobs travel by value
	a, ok := w.queue.(Acker)
	if !ok {
		return
	}
	if err := a.Ack(context.WithoutCancel(ctx), j); err != nil {
		w.logger.Warn(ctx, "job ack failed", logger.String("job_id", j.ID), logger.Error(err))
	}
}

func (w *InMemoryWorker) release(j model.Job) { //nolint:gocritic // hugeParam: jobs travel by value
	if w.releaser != nil {
		w.releaser.Release(j.UserID)
	}
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount workers. Options apply to every worker.
func NewPool(workerCount int, q Queue, h Handler, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = DefaultWorkers
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range workerCount {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, h, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Shutdown closes the queue, then waits for every worker to finish its
// current job.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	return nil
}
