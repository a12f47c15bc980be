package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WorkerConfig tunes a Worker. Zero values take defaults.
type WorkerConfig struct {
	// PollInterval is the wait between batches when the queue is drained.
	PollInterval time.Duration
	// PurgeInterval is how often Run purges Completed commands.
	// A negative value disables purging.
	PurgeInterval time.Duration
	Logger        *slog.Logger
}

// Default worker intervals.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultPurgeInterval = time.Hour
)

// BatchReport summarizes one RunOnce pass.
type BatchReport struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	// Skipped counts commands that disappeared between claim and resolve.
	Skipped int `json:"skipped"`
	// Requeued counts claimed commands handed back on cancellation or store error.
	Requeued int `json:"requeued"`
	// LeaseLost counts reports dropped because another claim took the command.
	LeaseLost int `json:"lease_lost"`
}

// Worker drives the claim, resolve, execute, report loop.
type Worker struct {
	queue  *Queue
	exec   Executor
	cfg    WorkerConfig
	logger *slog.Logger

	lastPurge time.Time
}

// NewWorker creates a worker that executes commands from queue with exec.
func NewWorker(queue *Queue, exec Executor, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		queue:  queue,
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger.With("module", "provisioning.worker"),
	}
}

// RunOnce claims one batch and processes it to the end.
//
// Commands that vanished before resolution are skipped. Resolution failures
// and executor errors mark the command Failed. If ctx is cancelled, or the
// store fails mid-batch, the claimed commands not yet reported are requeued
// and the error is returned alongside the partial report.
func (w *Worker) RunOnce(ctx context.Context) (BatchReport, error) {
	var report BatchReport

	lease, err := w.queue.Claim(ctx, 0)
	if err != nil {
		return report, err
	}
	ids := lease.IDs
	report.Claimed = len(ids)

	// Reports must land even after ctx is cancelled.
	reportCtx := context.WithoutCancel(ctx)

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			report.Requeued += w.requeueRest(reportCtx, lease, ids[i:])
			return report, err
		}

		ec, err := w.queue.ResolveForExecution(ctx, id)
		if err != nil {
			var qe *QueueError
			switch {
			case IsCommandNotFound(err):
				report.Skipped++
				w.logger.WarnContext(ctx, "claimed command vanished",
					"operation", "resolve",
					"outcome", "skipped",
					"command_id", id,
				)
				continue
			case errors.As(err, &qe):
				w.markFailed(reportCtx, lease, id, nil, err, &report)
				continue
			default:
				report.Requeued += w.requeueRest(reportCtx, lease, ids[i:])
				return report, err
			}
		}

		log, execErr := w.exec.Execute(ctx, ec)
		if execErr != nil {
			if ctx.Err() != nil {
				report.Requeued += w.requeueRest(reportCtx, lease, ids[i:])
				return report, ctx.Err()
			}
			w.markFailed(reportCtx, lease, id, log, newExternalSync(id, execErr), &report)
			continue
		}

		ok, err := lease.MarkCompleted(reportCtx, id, log)
		if err != nil {
			report.Requeued += w.requeueRest(reportCtx, lease, ids[i:])
			return report, err
		}
		if ok {
			report.Completed++
		} else {
			w.lostLease(ctx, lease, id, &report)
		}
	}

	if report.Claimed > 0 {
		w.logger.InfoContext(ctx, "batch processed",
			"operation", "run_once",
			"outcome", "success",
			"batch", report.Claimed,
			"completed", report.Completed,
			"failed", report.Failed,
			"skipped", report.Skipped,
		)
	}
	return report, nil
}

// Run processes batches until ctx is cancelled, then returns ctx.Err().
//
// Full batches are followed immediately by another claim; otherwise the
// worker waits PollInterval. Errors are logged and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker starting",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.queue.BatchSize(),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.maybePurge(ctx)

		report, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "batch failed",
				"operation", "run_once",
				"outcome", "failure",
				"requeued", report.Requeued,
				"error", err,
			)
		}

		if ctx.Err() == nil && err == nil && report.Claimed >= w.queue.BatchSize() {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) maybePurge(ctx context.Context) {
	if w.cfg.PurgeInterval < 0 {
		return
	}
	now := w.queue.Now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < w.cfg.PurgeInterval {
		return
	}
	w.lastPurge = now

	if _, err := w.queue.PurgeCompleted(ctx, 0); err != nil && ctx.Err() == nil {
		w.logger.ErrorContext(ctx, "purge failed",
			"operation", "purge_completed",
			"outcome", "failure",
			"error", err,
		)
	}
}

func (w *Worker) markFailed(ctx context.Context, lease *Lease, id int64, log []string, cause error, report *BatchReport) {
	w.logger.WarnContext(ctx, "command failed",
		"operation", "execute",
		"outcome", "failure",
		"command_id", id,
		"error", cause,
	)
	ok, err := lease.MarkFailed(ctx, id, log, cause)
	if err != nil {
		w.logger.ErrorContext(ctx, "mark failed",
			"operation", "mark_failed",
			"outcome", "failure",
			"command_id", id,
			"error", err,
		)
		return
	}
	if ok {
		report.Failed++
	} else {
		w.lostLease(ctx, lease, id, report)
	}
}

// lostLease logs a report dropped because another claim holds the command.
func (w *Worker) lostLease(ctx context.Context, lease *Lease, id int64, report *BatchReport) {
	report.LeaseLost++
	w.logger.WarnContext(ctx, "report dropped, lease lost",
		"operation", "report",
		"outcome", "lease_lost",
		"command_id", id,
		"owner", lease.Owner,
	)
}

func (w *Worker) requeueRest(ctx context.Context, lease *Lease, ids []int64) int {
	n, err := lease.Requeue(ctx, ids)
	if err != nil {
		w.logger.ErrorContext(ctx, "requeue after interruption failed",
			"operation", "requeue",
			"outcome", "failure",
			"count", len(ids),
			"error", err,
		)
		return 0
	}
	return int(n)
}
