package builder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/queue"
)

// JobRunner processes a single build job. Prepare does the work that needs a
// worker slot and returns the build whose CI run is left to watch, or nil when
// the job is finished. Await follows that run until the build is terminal.
type JobRunner interface {
	Prepare(ctx context.Context, job *models.BuildJob) (*models.Build, error)
	Await(ctx context.Context, build *models.Build) error
}

// Worker processes build jobs from the queue.
type Worker struct {
	queue  queue.Queue
	runner JobRunner
	logger *slog.Logger

	concurrency int
	idleBackoff time.Duration
	errBackoff  time.Duration

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watches sync.WaitGroup
}

// WorkerConfig holds configuration for the build worker.
type WorkerConfig struct {
	Concurrency int
	// IdleBackoff is the wait after an empty dequeue.
	IdleBackoff time.Duration
	// ErrorBackoff is the wait after a failed dequeue.
	ErrorBackoff time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Concurrency:  4,
		IdleBackoff:  time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

// NewWorker creates a new build worker.
func NewWorker(cfg *WorkerConfig, q queue.Queue, runner JobRunner, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Worker{
		queue:       q,
		runner:      runner,
		logger:      logger,
		concurrency: concurrency,
		idleBackoff: cfg.IdleBackoff,
		errBackoff:  cfg.ErrorBackoff,
		stopCh:      make(chan struct{}),
	}
}

// Start begins processing build jobs from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting build worker", "concurrency", w.concurrency)

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	return nil
}

// Stop stops the worker and waits for all loops and run watches to exit.
// Running pipelines are cancelled; their builds are picked up again by recovery.
func (w *Worker) Stop() {
	w.logger.Info("stopping build worker")
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.watches.Wait()
	w.logger.Info("build worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJobs) {
				w.wait(ctx, w.idleBackoff)
				continue
			}
			if ctx.Err() == nil {
				logger.Error("failed to dequeue job", "error", err)
			}
			w.wait(ctx, w.errBackoff)
			continue
		}

		w.processJob(ctx, logger, job)
	}
}

func (w *Worker) processJob(ctx context.Context, logger *slog.Logger, job *models.BuildJob) {
	logger = logger.With("job_id", job.ID, "build_id", job.BuildID)
	logger.Info("processing build job", "resume", job.Resume)

	// acks must land even when the loop is being cancelled
	ackCtx := context.WithoutCancel(ctx)

	build, err := w.runner.Prepare(ctx, job)
	if err != nil {
		logger.Error("failed to process job", "error", err)
		// Nack the job so it can be retried
		if nackErr := w.queue.Nack(ackCtx, job.ID); nackErr != nil {
			logger.Error("failed to nack job", "error", nackErr)
		}
		return
	}

	if err := w.queue.Ack(ackCtx, job.ID); err != nil {
		logger.Error("failed to ack job", "error", err)
	}
	if build != nil {
		w.watch(ctx, logger, build)
	}
}

// watch follows a dispatched build outside the worker loops so waiting on CI
// does not hold a job slot. A watch cut short by Stop leaves the build
// in_progress with its run id for recovery to resume.
func (w *Worker) watch(ctx context.Context, logger *slog.Logger, build *models.Build) {
	w.watches.Add(1)
	go func() {
		defer w.watches.Done()
		if err := w.runner.Await(ctx, build); err != nil {
			if ctx.Err() != nil {
				logger.Info("run watch stopped, build left for recovery")
				return
			}
			logger.Error("failed to settle build", "error", err)
		}
	}()
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// ProcessSingleJob processes a single job without the worker loop, watching
// its run in the calling goroutine. This is useful for testing or one-off builds.
func (w *Worker) ProcessSingleJob(ctx context.Context, job *models.BuildJob) error {
	build, err := w.runner.Prepare(ctx, job)
	if err != nil || build == nil {
		return err
	}
	return w.runner.Await(ctx, build)
}
