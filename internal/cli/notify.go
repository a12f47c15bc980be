package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/message"
	"github.com/roach88/provsync/internal/publish"
)

// NotifyOptions holds flags shared by the notify subcommands.
type NotifyOptions struct {
	*RootOptions
	Data  []string
	Print bool
}

// NotifyResult is the output of a notify subcommand.
type NotifyResult struct {
	Tag       string          `json:"tag"`
	Published bool            `json:"published"`
	Envelope  json.RawMessage `json:"envelope,omitempty"`
}

// NewNotifyCommand creates the notify command and its subcommands.
func NewNotifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NotifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish action and change messages",
		Long: `Publish messages to the bus ($PROVSYNC_KAFKA_BROKERS).

Every message is keyed by its tag. With $PROVSYNC_REDIS_URL set, a tag already
published within $PROVSYNC_DEDUP_TTL is dropped instead of sent again.
--print writes the encoded envelope to stdout instead of publishing.`,
	}
	cmd.PersistentFlags().BoolVar(&opts.Print, "print", false, "print the envelope instead of publishing")

	action := &cobra.Command{
		Use:   "action <EntityType> <action> <id>",
		Short: "Publish an action message",
		Long: `Publish an action message for a registered (entity type, action) pair.

When the action refers to a related entity, --data must carry its id under
the lowercased related type.

Example:
  provsync notify action Docente add 12
  provsync notify action Docente addCoordinatore 12 --data classe=5`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifyAction(opts, args, cmd)
		},
	}
	action.Flags().StringArrayVar(&opts.Data, "data", nil, "related id key=value (repeatable)")

	change := &cobra.Command{
		Use:   "change <KIND> <id>",
		Short: "Publish an entity change message",
		Long: `Publish a change message for a circular, notice or event.

KIND is one of CIRCOLARE, AVVISO, EVENTO.

Example:
  provsync notify change CIRCOLARE 7`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifyChange(opts, args, cmd)
		},
	}

	cmd.AddCommand(action, change)
	return cmd
}

func runNotifyAction(opts *NotifyOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	id, err := parseID(args[2])
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid id", err)
	}
	data, err := parseData(opts.Data)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid --data", err)
	}
	reg, err := loadRegistry(opts.RootOptions)
	if err != nil {
		return err
	}

	m, err := message.NewActionMessage(reg, args[0], args[1], id, data)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid action message", err)
	}
	return publishMessage(cmd.Context(), opts, formatter, m)
}

func runNotifyChange(opts *NotifyOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	id, err := parseID(args[1])
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid id", err)
	}
	m, err := message.NewEntityChange(message.ChangeKind(strings.ToUpper(args[0])), id)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid change message", err)
	}
	return publishMessage(cmd.Context(), opts, formatter, m)
}

func publishMessage(ctx context.Context, opts *NotifyOptions, formatter *OutputFormatter, m message.Message) error {
	if opts.Print {
		env, err := message.Encode(m)
		if err != nil {
			return formatter.Fail(ExitFailure, "encode failed", err)
		}
		return formatter.Emit(NotifyResult{Tag: m.Tag(), Envelope: env}, func(w io.Writer) {
			fmt.Fprintln(w, string(env))
		})
	}

	if !opts.Config.UseKafka() {
		return formatter.Fail(ExitCommandError, "cannot publish", fmt.Errorf("no kafka brokers configured (set PROVSYNC_KAFKA_BROKERS or use --print)"))
	}
	pub, closeFn, err := newPublisher(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeFn()

	sent, err := pub.PublishOnce(ctx, m)
	if err != nil {
		return formatter.Fail(ExitFailure, "publish failed", err)
	}
	return formatter.Emit(NotifyResult{Tag: m.Tag(), Published: sent}, func(w io.Writer) {
		if sent {
			fmt.Fprintf(w, "published %s\n", m.Tag())
		} else {
			fmt.Fprintf(w, "duplicate %s not published\n", m.Tag())
		}
	})
}

// newPublisher builds the Kafka publisher behind a Redis deduper. Without a
// Redis URL it falls back to an in-process deduper, which cannot see earlier
// runs, and says so.
func newPublisher(ctx context.Context, opts *RootOptions) (*publish.DedupPublisher, func(), error) {
	w, err := publish.NewWriter(opts.Config.KafkaBrokers)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid kafka configuration", err)
	}
	kp, err := publish.NewKafkaPublisher(w, opts.Config.KafkaActionTopic, nil)
	if err != nil {
		_ = w.Close()
		return nil, nil, WrapExitError(ExitCommandError, "invalid kafka configuration", err)
	}

	closers := []func() error{kp.Close}
	var dedup publish.Deduper
	if opts.Config.RedisURL != "" {
		client, err := publish.ConnectRedis(ctx, opts.Config.RedisURL)
		if err != nil {
			_ = kp.Close()
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		closers = append(closers, client.Close)
		dedup = publish.NewRedisDeduper(client, opts.Config.DedupTTL)
	} else {
		// Only repeats within this process are caught.
		opts.Logger.Warn("no redis configured, tag deduplication is off across runs",
			"operation", "notify",
		)
		dedup = publish.NewMemoryDeduper(opts.Config.DedupTTL, nil)
	}

	closeFn := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				opts.Logger.Error("error closing publisher", "error", err)
			}
		}
	}
	return publish.NewDedupPublisher(kp, dedup, opts.Logger), closeFn, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a positive integer", s)
	}
	return id, nil
}

func parseData(pairs []string) (map[string]int64, error) {
	data := make(map[string]int64, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: want key=id", pair)
		}
		id, err := parseID(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		data[key] = id
	}
	return data, nil
}
