// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bMacroni/MindClear-sub002/internal/config"
	"github.com/bMacroni/MindClear-sub002/mindapi"
	"github.com/bMacroni/MindClear-sub002/mindsync"
)

const mintedTokenTTL = 24 * time.Hour

// client is one signed-in device: local store, engine and coordinator.
type client struct {
	db      *sql.DB
	store   *mindsync.Store
	engine  *mindsync.Engine
	coord   *mindsync.Coordinator
	token   mindsync.TokenFunc
	metrics *metricsDump
}

// tokenSource returns the configured bearer token, or mints one from the
// shared secret for local development against `mindsync serve`.
func tokenSource(cfg config.Config) (mindsync.TokenFunc, error) {
	if cfg.Token != "" {
		token := cfg.Token
		return func(context.Context) (string, error) { return token, nil }, nil
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("no token configured: set token or jwt_secret")
	}
	jwtAuth := mindapi.NewJWTAuth(cfg.JWTSecret)
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(cfg.UserID, cfg.DeviceID, mintedTokenTTL)
	}, nil
}

// ensureDeviceID assigns and persists a device id on first use.
func (o *rootOptions) ensureDeviceID() error {
	if o.cfg.DeviceID != "" {
		return nil
	}
	o.cfg.DeviceID = "device-" + uuid.New().String()
	path := o.ConfigPath
	if path == "" {
		path = config.ConfigPath(o.cfg.HomeDir)
	}
	if err := config.Save(path, o.cfg); err != nil {
		return fmt.Errorf("failed to save device id: %w", err)
	}
	o.logger.Info("Assigned device id", "device_id", o.cfg.DeviceID, "config", path)
	return nil
}

func (o *rootOptions) openClient() (*client, error) {
	if o.cfg.UserID == "" {
		return nil, fmt.Errorf("user_id is not configured")
	}
	if err := o.ensureDeviceID(); err != nil {
		return nil, err
	}
	tok, err := tokenSource(o.cfg)
	if err != nil {
		return nil, err
	}

	if o.cfg.Database != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(o.cfg.Database), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", o.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := mindsync.NewStore(db, o.cfg.UserID, o.logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	engineConfig := o.cfg.EngineConfig()
	var dump *metricsDump
	if o.Metrics {
		recorder, d, err := newMetrics()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		engineConfig.StageMetrics = recorder
		dump = d
	}

	remote := mindsync.NewHTTPRemote(o.cfg.APIURL, tok, o.logger)
	engine, err := mindsync.NewEngine(store, remote, o.cfg.UserID, engineConfig, o.logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	coord := mindsync.NewCoordinator(engine, mindsync.LogNotifier{Logger: o.logger}, o.logger)
	return &client{db: db, store: store, engine: engine, coord: coord, token: tok, metrics: dump}, nil
}

func (c *client) Close(o *rootOptions) error {
	if c.metrics != nil {
		c.metrics.Print(context.Background(), o.out)
	}
	return c.db.Close()
}
