// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package mindsync is the client-side synchronization engine for MindClear
// records. Local edits land in a SQLite store with a per-record sync status;
// the push pipeline reconciles dirty records with the remote API one by one
// and the pull pipeline applies remote changes since the last cursor in a
// single transaction. A Coordinator runs push then pull as one cycle and
// drops overlapping requests.
package mindsync

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Config holds engine configuration.
type Config struct {
	// PushConcurrency bounds parallel remote writes within one kind level.
	PushConcurrency int
	// Clock supplies the pull request time. Defaults to time.Now.
	Clock func() time.Time

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer

	// Schedule is the cron spec of the background scheduler.
	Schedule string
	// Debounce delays local change triggers so bursts of writes sync once.
	Debounce time.Duration
	// BackoffMin and BackoffMax bound realtime reconnect delays.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		PushConcurrency: 1,
		Clock:           time.Now,
		Schedule:        "@every 5m",
		Debounce:        500 * time.Millisecond,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// Engine runs the push and pull pipelines for one signed-in user.
type Engine struct {
	store   LocalStore
	remote  Remote
	ownerID string
	config  *Config
	logger  *slog.Logger
	inst    *instruments
}

// NewEngine wires a local store and a remote for ownerID. A nil config uses
// DefaultConfig.
func NewEngine(store LocalStore, remote Remote, ownerID string, config *Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner id cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.PushConcurrency < 1 {
		config.PushConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		remote:  remote,
		ownerID: ownerID,
		config:  config,
		logger:  logger,
		inst:    newInstruments(config, logger),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config { return e.config }
