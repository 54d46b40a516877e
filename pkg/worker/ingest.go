package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/indexer"
)

// Ingester ingests one record file into a project
type Ingester interface {
	IngestFile(ctx context.Context, project, path string) (*indexer.Report, error)
}

// Config holds worker configuration
type Config struct {
	Queue        db.JobQueue
	Ingester     Ingester
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int

	// SweepSchedule is a cron spec for resetting jobs stuck in processing;
	// empty disables the sweep
	SweepSchedule string
}

// IngestWorker processes record files from the job queue. Jobs run one at
// a time, so ingestion is serialized per project.
type IngestWorker struct {
	queue         db.JobQueue
	ingester      Ingester
	pollInterval  time.Duration
	batchSize     int
	maxRetries    int
	sweepSchedule string

	busy atomic.Bool
}

// NewIngestWorker creates a new ingest worker
func NewIngestWorker(cfg *Config) *IngestWorker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &IngestWorker{
		queue:         cfg.Queue,
		ingester:      cfg.Ingester,
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		maxRetries:    cfg.MaxRetries,
		sweepSchedule: cfg.SweepSchedule,
	}
}

// Start recovers jobs left in processing by a crash, then processes the
// queue until ctx is cancelled
func (w *IngestWorker) Start(ctx context.Context) error {
	slog.Info("Ingest worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	if _, err := w.queue.ResetStuckJobs(ctx); err != nil {
		slog.Error("Failed to reset stuck jobs", "error", err)
	}

	if w.sweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(w.sweepSchedule, func() { w.sweep(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Process immediately on startup
	w.ProcessPending(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Ingest worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.ProcessPending(ctx)
		}
	}
}

// sweep resets stuck jobs while the worker is idle. Jobs are only ever in
// processing while this worker runs them, so an idle worker means the
// remaining ones were abandoned.
func (w *IngestWorker) sweep(ctx context.Context) {
	if w.busy.Load() {
		return
	}
	if _, err := w.queue.ResetStuckJobs(ctx); err != nil {
		slog.Error("Stuck job sweep failed", "error", err)
	}
}

// ProcessPending claims and processes one batch of pending jobs and returns
// the number processed
func (w *IngestWorker) ProcessPending(ctx context.Context) int {
	w.busy.Store(true)
	defer w.busy.Store(false)

	jobs, err := w.queue.ClaimJobs(ctx, w.batchSize)
	if err != nil {
		slog.Error("Failed to claim ingest jobs", "error", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	slog.Debug("Processing batch", "count", len(jobs))

	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unstarted jobs go back to the queue
			if err := w.queue.RequeueJob(context.WithoutCancel(ctx), job.ID, "worker stopped", job.RetryCount); err != nil {
				slog.Error("Failed to requeue job", "path", job.Path, "error", err)
			}
			continue
		}
		w.processJob(ctx, job)
		processed++
	}
	return processed
}

// Drain processes batches until the queue has no pending jobs
func (w *IngestWorker) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := w.ProcessPending(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// processJob ingests a single record file from the queue
func (w *IngestWorker) processJob(ctx context.Context, job *db.Job) {
	slog.Debug("Processing job", "project", job.Project, "path", job.Path, "retry", job.RetryCount)

	report, err := w.ingester.IngestFile(ctx, job.Project, job.Path)
	if err != nil {
		w.handleFailure(ctx, job, err)
		return
	}

	if err := w.queue.MarkJobDone(ctx, job.ID); err != nil {
		slog.Error("Failed to mark job done", "path", job.Path, "error", err)
		return
	}

	slog.Info("Ingested record file",
		"project", job.Project,
		"path", job.Path,
		"run_id", report.RunID,
		"chunks", report.Stored,
		"skipped", report.Skipped)
}

// handleFailure handles ingestion failures with retry logic
func (w *IngestWorker) handleFailure(ctx context.Context, job *db.Job, ingestErr error) {
	retryCount := job.RetryCount + 1

	if retryCount >= w.maxRetries {
		// Permanent failure
		if err := w.queue.MarkJobFailed(ctx, job.ID, ingestErr.Error(), retryCount); err != nil {
			slog.Error("Failed to mark job failed", "path", job.Path, "error", err)
			return
		}
		slog.Error("Ingestion failed permanently", "project", job.Project, "path", job.Path, "retries", retryCount, "error", ingestErr)
		return
	}

	// Re-queue for retry
	if err := w.queue.RequeueJob(ctx, job.ID, ingestErr.Error(), retryCount); err != nil {
		slog.Error("Failed to requeue job", "path", job.Path, "error", err)
		return
	}
	slog.Warn("Ingestion failed, will retry", "project", job.Project, "path", job.Path, "retry", retryCount, "max_retries", w.maxRetries, "error", ingestErr)
}
