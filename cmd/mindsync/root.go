// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bMacroni/MindClear-sub002/internal/config"
)

// rootOptions holds global flags and state shared by subcommands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Metrics    bool

	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{out: os.Stdout}

	cmd := &cobra.Command{
		Use:   "mindsync",
		Short: "MindClear offline-first sync client",
		Long: `mindsync keeps a local MindClear store in sync with the record API.

Local edits are queued per record and pushed on the next cycle; remote changes
are pulled since the last cursor. "watch" keeps the engine running with the
background schedule, realtime notices and local change detection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}
	cmd.SetOut(opts.out)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $MINDSYNC_HOME/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&opts.Metrics, "metrics", false, "collect sync metrics and print them on exit")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newResyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	o.cfg = cfg
	o.out = cmd.OutOrStdout()
	o.logger = newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(o.logger)
	return nil
}

// newLogger writes text logs to stderr and, when configured, to a rotated
// log file.
func newLogger(cfg config.Config, stderr io.Writer) *slog.Logger {
	var w io.Writer = stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}
