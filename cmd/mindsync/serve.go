// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr, databaseURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record API for local development",
		Long: `Serve the MindClear record API. Records live in memory unless a
PostgreSQL URL is given. Clients authenticate with JWTs signed by jwt_secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.Server.Addr
			}
			if databaseURL == "" {
				databaseURL = opts.cfg.Server.DatabaseURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, addr, databaseURL)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL; empty keeps records in memory")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, addr, databaseURL string) error {
	logger := opts.logger
	if opts.cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is not configured")
	}

	var store mindapi.Store = mindapi.NewMemoryStore()
	if databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to create pgx pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := mindapi.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			return err
		}
		store = pgStore
		logger.Info("Using PostgreSQL record store")
	} else {
		logger.Warn("Using in-memory record store; records are lost on exit")
	}

	components := mindapi.SetupServer(&mindapi.ServerConfig{
		Store:     store,
		JWTSecret: opts.cfg.JWTSecret,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      components.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting record API", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var user, device string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			if user == "" {
				user = opts.cfg.UserID
			}
			if device == "" {
				device = opts.cfg.DeviceID
			}
			if user == "" || device == "" {
				return fmt.Errorf("user and device are required")
			}
			token, err := mindapi.NewJWTAuth(opts.cfg.JWTSecret).GenerateToken(user, device, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(opts.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (default from config)")
	cmd.Flags().StringVar(&device, "device", "", "device id (default from config)")
	cmd.Flags().DurationVar(&ttl, "ttl", mintedTokenTTL, "token lifetime")
	return cmd
}
