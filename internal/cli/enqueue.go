package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/provsync/internal/command"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Refs []string
	File string
}

// EnqueueResult is the output of the enqueue command.
type EnqueueResult struct {
	IDs []int64 `json:"ids"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue provisioning commands",
		Long: `Enqueue one provisioning command from --ref flags, or many from a YAML file.

Integer values are stored as ids; anything else is stored as text. Keys that
name a reference role (docente, classe, materia, ...) must hold positive ids.

A YAML file holds a list of payloads:

  - docente: 12
    classe: 5
  - classe_origine: 5
    classe_destinazione: 6

Example:
  provsync enqueue --ref docente=12 --ref classe=5
  provsync enqueue -f commands.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Refs, "ref", nil, "payload entry key=value (repeatable)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML file with a list of payloads")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payloads, err := enqueuePayloads(opts)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid input", err)
	}

	queue, closeQueue, err := openQueue(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeQueue()

	for i, p := range payloads {
		if err := queue.Validate(p); err != nil {
			return formatter.Fail(ExitCommandError, fmt.Sprintf("payload %d rejected, nothing enqueued", i+1), err)
		}
	}

	result := EnqueueResult{IDs: make([]int64, 0, len(payloads))}
	for i, p := range payloads {
		id, err := queue.Enqueue(cmd.Context(), p)
		if err != nil {
			return formatter.Fail(ExitFailure, fmt.Sprintf("enqueue payload %d (already enqueued: %v)", i+1, result.IDs), err)
		}
		result.IDs = append(result.IDs, id)
		formatter.VerboseLog("enqueued command %d", id)
	}

	return formatter.Emit(result, func(w io.Writer) {
		for _, id := range result.IDs {
			fmt.Fprintf(w, "enqueued %d\n", id)
		}
	})
}

func enqueuePayloads(opts *EnqueueOptions) ([]command.Payload, error) {
	switch {
	case opts.File != "" && len(opts.Refs) > 0:
		return nil, fmt.Errorf("--ref and --file are mutually exclusive")
	case opts.File != "":
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, err
		}
		return parsePayloadsYAML(data)
	case len(opts.Refs) > 0:
		p, err := parseRefs(opts.Refs)
		if err != nil {
			return nil, err
		}
		return []command.Payload{p}, nil
	default:
		return nil, fmt.Errorf("nothing to enqueue: pass --ref or --file")
	}
}

// parseRefs turns key=value pairs into a payload.
func parseRefs(refs []string) (command.Payload, error) {
	p := command.Payload{}
	for _, ref := range refs {
		key, value, ok := strings.Cut(ref, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --ref %q: want key=value", ref)
		}
		if _, dup := p[key]; dup {
			return nil, fmt.Errorf("duplicate --ref key %q", key)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p[key] = command.Int(n)
		} else {
			p[key] = command.String(value)
		}
	}
	return p, nil
}

// parsePayloadsYAML decodes a YAML list of flat maps.
func parsePayloadsYAML(data []byte) ([]command.Payload, error) {
	var docs []map[string]any
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse payload file: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("payload file holds no commands")
	}

	out := make([]command.Payload, 0, len(docs))
	for i, doc := range docs {
		p := command.Payload{}
		for key, raw := range doc {
			switch v := raw.(type) {
			case int:
				p[key] = command.Int(v)
			case string:
				p[key] = command.String(v)
			default:
				return nil, fmt.Errorf("payload %d: key %q: unsupported value %v (%T)", i+1, key, raw, raw)
			}
		}
		out = append(out, p)
	}
	return out, nil
}
