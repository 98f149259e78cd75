package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"github.com/machined/machined/daemon"
)

// verbFunc runs one machine API verb. A non-nil result is printed as JSON.
type verbFunc func(ctx context.Context, d *daemon.Daemon) (any, error)

func runVerb(cmd *cobra.Command, opts *daemonOptions, fn verbFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, closeDaemon, err := opts.newDaemon(ctx, opts.daemonConfig)
	if err != nil {
		return err
	}
	defer closeDaemon()

	res, err := fn(ctx, d)
	if err != nil || res == nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// readPayload decodes the JSON object given with --file, or on stdin when
// the file is "-".
func readPayload(cmd *cobra.Command, file string) (map[string]any, error) {
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", cerrdefs.ErrInvalidArgument, err)
	}
	return payload, nil
}

// parseFilter turns key=value arguments into a lookup filter.
func parseFilter(args []string) (map[string]any, error) {
	filter := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: invalid filter %q, expected key=value", cerrdefs.ErrInvalidArgument, arg)
		}
		filter[k] = v
	}
	return filter, nil
}

func exitCode(err error) int {
	switch {
	case cerrdefs.IsInvalidArgument(err):
		return 2
	case cerrdefs.IsNotFound(err):
		return 3
	case cerrdefs.IsAlreadyExists(err), cerrdefs.IsFailedPrecondition(err):
		return 4
	case cerrdefs.IsNotImplemented(err):
		return 5
	default:
		return 1
	}
}

func addVerbCommands(root *cobra.Command, opts *daemonOptions) {
	var (
		loadOpts daemon.LoadOptions
		file     string
		sig      string
	)
	withLoadFlags := func(cmd *cobra.Command) *cobra.Command {
		flags := cmd.Flags()
		flags.StringSliceVar(&loadOpts.Fields, "fields", nil, "Only return these attributes")
		flags.BoolVar(&loadOpts.IncludeHidden, "include-hidden", false, "Include machines flagged do_not_inventory")
		return cmd
	}
	withPayload := func(cmd *cobra.Command) *cobra.Command {
		cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON payload file, - for stdin")
		return cmd
	}
	uuidVerb := func(use, short string, fn func(*daemon.Daemon, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " UUID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return nil, fn(d, ctx, args[0])
				})
			},
		}
	}
	snapshotVerb := func(use, short string, fn func(*daemon.Daemon, context.Context, string, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " UUID NAME",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return nil, fn(d, ctx, args[0], args[1])
				})
			},
		}
	}

	kill := &cobra.Command{
		Use:   "kill UUID",
		Short: "Send a signal to every process of a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
				return nil, d.Kill(ctx, args[0], sig)
			})
		},
	}
	kill.Flags().StringVarP(&sig, "signal", "s", "SIGKILL", "Signal to send")

	root.AddCommand(
		&cobra.Command{
			Use:   "exists UUID",
			Short: "Report whether a machine exists",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Exists(ctx, args[0])
				})
			},
		},
		withLoadFlags(&cobra.Command{
			Use:   "load UUID",
			Short: "Print the attributes of a machine",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Load(ctx, args[0], loadOpts)
				})
			},
		}),
		withLoadFlags(&cobra.Command{
			Use:   "lookup [KEY=VALUE...]",
			Short: "List the machines matching every filter",
			RunE: func(cmd *cobra.Command, args []string) error {
				filter, err := parseFilter(args)
				if err != nil {
					return err
				}
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Lookup(ctx, filter, loadOpts)
				})
			},
		}),
		withPayload(&cobra.Command{
			Use:   "create",
			Short: "Create a machine from a JSON payload",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := readPayload(cmd, file)
				if err != nil {
					return err
				}
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Create(ctx, payload)
				})
			},
		}),
		withPayload(&cobra.Command{
			Use:   "update UUID",
			Short: "Change a machine from a JSON payload",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload, err := readPayload(cmd, file)
				if err != nil {
					return err
				}
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					changes, err := d.Update(ctx, args[0], payload)
					if err != nil {
						return nil, err
					}
					return map[string]any{"changes": changes}, nil
				})
			},
		}),
		uuidVerb("delete", "Delete a machine", (*daemon.Daemon).Delete),
		uuidVerb("start", "Start a machine", (*daemon.Daemon).Start),
		uuidVerb("stop", "Stop a machine", (*daemon.Daemon).Stop),
		uuidVerb("reboot", "Reboot a machine", (*daemon.Daemon).Reboot),
		kill,
		&cobra.Command{
			Use:   "reprovision UUID IMAGE_UUID",
			Short: "Replace the volume of a machine with a fresh image",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return nil, d.Reprovision(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "info UUID [TYPE...]",
			Short: "Print runtime details of a machine",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Info(ctx, args[0], args[1:])
				})
			},
		},
		&cobra.Command{
			Use:   "sysrq UUID REQUEST",
			Short: "Send a system request to a machine",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return nil, d.Sysrq(ctx, args[0], args[1])
				})
			},
		},
		snapshotVerb("create-snapshot", "Snapshot the volume of a machine", (*daemon.Daemon).CreateSnapshot),
		snapshotVerb("delete-snapshot", "Delete a snapshot of a machine", (*daemon.Daemon).DeleteSnapshot),
		snapshotVerb("rollback-snapshot", "Return a machine to a snapshot", (*daemon.Daemon).RollbackSnapshot),
		&cobra.Command{
			Use:   "snapshots UUID",
			Short: "List the snapshots of a machine",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return d.Snapshots(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "events",
			Short: "Print the inventory, then every machine change as it happens",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVerb(cmd, opts, func(ctx context.Context, d *daemon.Daemon) (any, error) {
					return nil, streamEvents(ctx, d, cmd.OutOrStdout())
				})
			},
		},
	)
}

// streamEvents writes one JSON message per line until ctx is done or the
// daemon closes.
func streamEvents(ctx context.Context, d *daemon.Daemon, w io.Writer) error {
	ready, l, stop, err := d.Events(ctx)
	if err != nil {
		return err
	}
	defer stop()

	enc := json.NewEncoder(w)
	if err := enc.Encode(ready); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-l:
			if !ok {
				return nil
			}
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
	}
}
