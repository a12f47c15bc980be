package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/publish"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Once         bool
	DryRun       bool
	BatchSize    int
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute provisioning commands",
		Long: `Run the provisioning worker loop.

Each pass claims a batch of waiting commands, resolves their references into
live teachers, classes and subjects, and hands them to the directory-sync
client over Kafka ($PROVSYNC_KAFKA_BROKERS, topic $PROVSYNC_KAFKA_SYNC_TOPIC).
With --dry-run, commands are only logged and completed. Without brokers and
without --dry-run the worker refuses to start.

Completed commands older than $PROVSYNC_RETENTION are purged periodically.
On SIGINT/SIGTERM the current batch stops and unprocessed commands are requeued.

Example:
  provsync worker --db ./data/provsync.db
  provsync worker --once --dry-run --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "process a single batch and exit")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log commands instead of forwarding them")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "commands per claim (default $PROVSYNC_BATCH_SIZE)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "wait between empty polls (default $PROVSYNC_POLL_INTERVAL)")
	cmd.Flags().DurationVar(&opts.LeaseTTL, "lease-ttl", -1, "claim lease; 0 disables reclaim (default $PROVSYNC_LEASE_TTL)")

	return cmd
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.BatchSize > 0 {
		opts.Config.BatchSize = opts.BatchSize
	}
	if opts.PollInterval > 0 {
		opts.Config.PollInterval = opts.PollInterval
	}
	if opts.LeaseTTL >= 0 {
		opts.Config.LeaseTTL = opts.LeaseTTL
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.DryRun && !opts.Config.UseKafka() {
		return formatter.Fail(ExitCommandError, "cannot start worker",
			fmt.Errorf("no kafka brokers configured (set PROVSYNC_KAFKA_BROKERS or use --dry-run)"))
	}
	exec, closeExec, err := newExecutor(opts)
	if err != nil {
		return err
	}
	defer closeExec()

	queue, closeQueue, err := openQueue(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeQueue()

	worker := provisioning.NewWorker(queue, exec, provisioning.WorkerConfig{
		PollInterval:  opts.Config.PollInterval,
		PurgeInterval: opts.Config.PurgeInterval,
		Logger:        opts.Logger,
	})

	if opts.Once {
		report, err := worker.RunOnce(ctx)
		if err != nil {
			return formatter.Fail(ExitFailure, "batch failed", err)
		}
		return formatter.Emit(report, func(w io.Writer) {
			fmt.Fprintf(w, "claimed %d, completed %d, failed %d, skipped %d, lease lost %d\n",
				report.Claimed, report.Completed, report.Failed, report.Skipped, report.LeaseLost)
		})
	}

	formatter.VerboseLog("worker started (batch size %d, poll every %s)", opts.Config.BatchSize, opts.Config.PollInterval)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	opts.Logger.Info("worker stopped gracefully")
	return nil
}

// newExecutor forwards to Kafka, or only logs with --dry-run.
func newExecutor(opts *WorkerOptions) (provisioning.Executor, func(), error) {
	if opts.DryRun {
		return provisioning.DryRunExecutor{Logger: opts.Logger}, func() {}, nil
	}

	w, err := publish.NewWriter(opts.Config.KafkaBrokers)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid kafka configuration", err)
	}
	fwd, err := publish.NewKafkaForwarder(w, opts.Config.KafkaSyncTopic)
	if err != nil {
		_ = w.Close()
		return nil, nil, WrapExitError(ExitCommandError, "invalid kafka configuration", err)
	}
	return fwd, func() {
		if err := fwd.Close(); err != nil {
			opts.Logger.Error("error closing kafka writer", "error", err)
		}
	}, nil
}
