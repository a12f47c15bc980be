package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// CountResult reports how many commands an operation touched.
type CountResult struct {
	Count int64   `json:"count"`
	IDs   []int64 `json:"ids,omitempty"`
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Return processing commands to the queue",
		Long: `Move processing commands back to waiting so the next claim picks them up.

Use this after a worker crash. Commands in any other state are left alone.

Example:
  provsync requeue 41 42 43`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(rootOpts, args, cmd)
		},
	}
}

func runRequeue(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return formatter.Fail(ExitCommandError, "invalid command id", fmt.Errorf("%q is not a positive integer", arg))
		}
		ids = append(ids, id)
	}

	queue, closeQueue, err := openQueue(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer closeQueue()

	n, err := queue.Requeue(cmd.Context(), ids)
	if err != nil {
		return formatter.Fail(ExitFailure, "requeue failed", err)
	}
	return formatter.Emit(CountResult{Count: n}, func(w io.Writer) {
		fmt.Fprintf(w, "requeued %d of %d\n", n, len(ids))
	})
}

// StaleOptions holds flags for the stale command.
type StaleOptions struct {
	*RootOptions
	OlderThan time.Duration
	Requeue   bool
}

// NewStaleCommand creates the stale command.
func NewStaleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StaleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Find commands stuck in processing",
		Long: `List processing commands that have not moved for longer than --older-than.

These are usually batches abandoned by a crashed worker. With --requeue they
are returned to the queue.

Example:
  provsync stale --older-than 30m
  provsync stale --older-than 30m --requeue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStale(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*time.Minute, "minimum time since last modification")
	cmd.Flags().BoolVar(&opts.Requeue, "requeue", false, "requeue the stale commands")

	return cmd
}

func runStale(opts *StaleOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if opts.OlderThan <= 0 {
		return formatter.Fail(ExitCommandError, "invalid --older-than", fmt.Errorf("must be positive, got %s", opts.OlderThan))
	}

	queue, closeQueue, err := openQueue(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeQueue()

	if opts.Requeue {
		ids, err := queue.RequeueStale(cmd.Context(), opts.OlderThan)
		if err != nil {
			return formatter.Fail(ExitFailure, "requeue stale failed", err)
		}
		return formatter.Emit(CountResult{Count: int64(len(ids)), IDs: ids}, func(w io.Writer) {
			fmt.Fprintf(w, "requeued %d stale command(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(w, "  %d\n", id)
			}
		})
	}

	stale, err := queue.Stale(cmd.Context(), opts.OlderThan)
	if err != nil {
		return formatter.Fail(ExitFailure, "stale lookup failed", err)
	}
	return formatter.Emit(stale, func(w io.Writer) { writeCommands(w, stale) })
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Retention time.Duration
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old completed commands",
		Long: `Delete completed commands last modified more than --retention ago.

Failed commands are kept for inspection and never purged.

Example:
  provsync purge --retention 24h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Retention, "retention", 0, "age of completed commands to delete (default $PROVSYNC_RETENTION)")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if opts.Retention < 0 {
		return formatter.Fail(ExitCommandError, "invalid --retention", fmt.Errorf("must not be negative, got %s", opts.Retention))
	}

	queue, closeQueue, err := openQueue(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeQueue()

	n, err := queue.PurgeCompleted(cmd.Context(), opts.Retention)
	if err != nil {
		return formatter.Fail(ExitFailure, "purge failed", err)
	}
	return formatter.Emit(CountResult{Count: n}, func(w io.Writer) {
		fmt.Fprintf(w, "purged %d completed command(s)\n", n)
	})
}
