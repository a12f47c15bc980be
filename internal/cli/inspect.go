package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/command"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	State string
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioning commands",
		Long: `List provisioning commands, oldest first.

Failed commands show the error recorded by the directory-sync client and the
log of the steps that ran before it.

Example:
  provsync list --state failed
  provsync list --state processing --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "waiting|processing|completed|failed (default all)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum commands to show (0 = all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var state command.State
	if opts.State != "" {
		s, err := command.ParseState(opts.State)
		if err != nil {
			return formatter.Fail(ExitCommandError, "invalid --state", err)
		}
		state = s
	}

	queue, closeQueue, err := openQueue(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeQueue()

	cmds, err := queue.List(cmd.Context(), state, opts.Limit)
	if err != nil {
		return formatter.Fail(ExitFailure, "list failed", err)
	}
	return formatter.Emit(cmds, func(w io.Writer) { writeCommands(w, cmds) })
}

func writeCommands(w io.Writer, cmds []command.Command) {
	if len(cmds) == 0 {
		fmt.Fprintln(w, "no commands")
		return
	}
	for _, c := range cmds {
		payload, _ := command.MarshalCanonical(withoutOutcome(c.Payload))
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.State, c.ModifiedAt.Format(time.RFC3339), payload)
		if errText := c.ErrorText(); errText != "" {
			fmt.Fprintf(w, "\terror: %s\n", errText)
		}
		for _, line := range c.Log() {
			fmt.Fprintf(w, "\tlog: %s\n", line)
		}
	}
}

func withoutOutcome(p command.Payload) command.Payload {
	out := p.Clone()
	delete(out, command.KeyLog)
	delete(out, command.KeyError)
	return out
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show command counts per state",
		Long: `Show how many provisioning commands are in each state.

Example:
  provsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

// StatusResult is the output of the status command.
type StatusResult map[command.State]int64

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	queue, closeQueue, err := openQueue(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer closeQueue()

	counts, err := queue.Counts(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitFailure, "status failed", err)
	}
	return formatter.Emit(StatusResult(counts), func(w io.Writer) {
		for _, s := range command.States {
			fmt.Fprintf(w, "%-11s %d\n", s, counts[s])
		}
	})
}
