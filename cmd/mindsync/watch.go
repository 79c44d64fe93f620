// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bMacroni/MindClear-sub002/mindsync"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing until interrupted",
		Long: `Run a foreground cycle, then keep the store in sync: the background
schedule, realtime change notices from the API and local writes made by other
processes each trigger a cycle. Overlapping triggers are dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := opts.openClient()
			if err != nil {
				return err
			}
			defer c.Close(opts)
			return runWatch(ctx, opts, c)
		},
	}
}

func runWatch(ctx context.Context, opts *rootOptions, c *client) error {
	cfg := c.engine.Config()
	logger := opts.logger

	sched, err := mindsync.NewScheduler(c.coord, cfg.Schedule, logger)
	if err != nil {
		return err
	}

	report := c.coord.Sync(ctx, mindsync.TriggerForeground)
	printCycle(opts, report)

	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("Background sync scheduled", "schedule", cfg.Schedule, "next", sched.Next())

	g, gctx := errgroup.WithContext(ctx)
	if opts.cfg.Sync.Realtime {
		listener := mindsync.NewRealtimeListener(opts.cfg.APIURL, c.token, c.coord, cfg, logger)
		g.Go(func() error { return listener.Run(gctx) })
	}
	if opts.cfg.Sync.WatchLocal && opts.cfg.Database != ":memory:" {
		watcher := mindsync.NewLocalChangeWatcher(opts.cfg.Database, c.coord, cfg, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	logger.Info("Stopping sync")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
