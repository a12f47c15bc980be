package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/message"
)

// NewActionsCommand creates the actions command.
func NewActionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "Print the action vocabulary",
		Long: `Print every (entity type, action) pair an action message may carry,
with the related entity type the action refers to.

Example:
  provsync actions
  provsync actions --vocabulary ./vocabulary.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActions(rootOpts, cmd)
		},
	}
}

func runActions(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	reg, err := loadRegistry(opts)
	if err != nil {
		return err
	}
	entries := reg.Entries()
	formatter.VerboseLog("%d action(s) across %d entity type(s)", len(entries), len(reg.EntityTypes()))

	return formatter.Emit(entries, func(w io.Writer) {
		writeEntries(w, entries)
	})
}

func writeEntries(w io.Writer, entries []message.Entry) {
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
}
