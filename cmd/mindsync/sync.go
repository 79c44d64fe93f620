// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bMacroni/MindClear-sub002/mindsync"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var silent bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.openClient()
			if err != nil {
				return err
			}
			defer c.Close(opts)

			var report mindsync.CycleReport
			if silent {
				report = c.coord.SilentSync(cmd.Context(), mindsync.TriggerBackground)
			} else {
				report = c.coord.Sync(cmd.Context(), mindsync.TriggerManual)
			}
			printCycle(opts, report)
			return report.Err
		},
	}
	cmd.Flags().BoolVar(&silent, "silent", false, "do not announce the cycle summary")
	return cmd
}

func newResyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Forget the pull cursor and fetch everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.openClient()
			if err != nil {
				return err
			}
			defer c.Close(opts)

			report := c.coord.ForceFullResync(cmd.Context())
			printCycle(opts, report)
			return report.Err
		},
	}
}

func printCycle(opts *rootOptions, r mindsync.CycleReport) {
	fmt.Fprintf(opts.out, "%s (%s, %s)\n", r.Summary(), r.Outcome, r.Duration.Round(time.Millisecond))
	if r.Push != nil {
		fmt.Fprintf(opts.out, "  pushed: %d ok, %d conflicts, %d removed, %d failed\n",
			len(r.Push.Succeeded), len(r.Push.Conflicts), len(r.Push.Removed), len(r.Push.Failed))
		for _, f := range r.Push.Failed {
			fmt.Fprintf(opts.out, "    %s %s: %s: %v\n", f.Op, f.Ref, f.Kind, f.Err)
		}
	}
	if r.Pull != nil {
		fmt.Fprintf(opts.out, "  pulled: %d applied, %d deleted, %d skipped (full=%t)\n",
			r.Pull.Applied, r.Pull.Deleted, r.Pull.Skipped, r.Pull.Full)
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending local changes and the pull cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.openClient()
			if err != nil {
				return err
			}
			defer c.Close(opts)
			ctx := cmd.Context()

			counts, err := c.store.Counts(ctx)
			if err != nil {
				return err
			}
			for _, s := range mindsync.SyncStatuses {
				fmt.Fprintf(opts.out, "%-15s %d\n", s, counts[s])
			}
			cursor, ok, err := c.store.Cursor(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(opts.out, "last pulled at  %s\n", cursor.Format("2006-01-02 15:04:05.000 MST"))
			} else {
				fmt.Fprintln(opts.out, "last pulled at  never")
			}

			dirty, err := c.store.Dirty(ctx)
			if err != nil {
				return err
			}
			for _, rec := range dirty {
				fmt.Fprintf(opts.out, "  %-15s %s\n", rec.Sync, rec.Ref())
			}
			return nil
		},
	}
}

// parseFields turns key=value arguments into record fields.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[k] = v
	}
	return fields, nil
}

func newAddCommand(opts *rootOptions) *cobra.Command {
	var lifecycle string
	kinds := make([]string, 0, len(mindsync.Kinds))
	for _, spec := range mindsync.Kinds {
		kinds = append(kinds, string(spec.Kind))
	}
	sort.Strings(kinds)

	cmd := &cobra.Command{
		Use:   "add <kind> [key=value...]",
		Short: "Create a local record queued for the next push",
		Long:  "Create a local record. Kinds: " + strings.Join(kinds, ", ") + ".",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := mindsync.Kind(args[0])
			if _, ok := kind.Spec(); !ok {
				return fmt.Errorf("unknown kind %q", args[0])
			}
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			c, err := opts.openClient()
			if err != nil {
				return err
			}
			defer c.Close(opts)

			rec, err := c.store.Create(cmd.Context(), mindsync.Record{
				Kind:      kind,
				Lifecycle: mindsync.Lifecycle(lifecycle),
				Fields:    fields,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, rec.Ref())
			return nil
		},
	}
	cmd.Flags().StringVar(&lifecycle, "status", "", "task lifecycle (not_started, in_progress, completed)")
	return cmd
}
