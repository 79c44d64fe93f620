// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package mindapi defines the MindClear record API wire contract and a
// reference server: JWT auth, per-kind REST handlers with last-write-wins,
// realtime change notices and memory or PostgreSQL storage.
package mindapi

import (
	"log/slog"
	"net/http"
	"time"
)

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Service *RecordService
	Hub     *RealtimeHub
	JWTAuth *JWTAuth
	Handler http.Handler
}

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Store     Store
	JWTSecret string
	Clock     func() time.Time
	Logger    *slog.Logger
}

// SetupServer wires store, service, realtime hub and handlers. Shared by the
// CLI and tests.
func SetupServer(config *ServerConfig) *ServerComponents {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = NewMemoryStore()
	}

	hub := NewRealtimeHub(logger)
	service := NewRecordService(store, &ServiceConfig{
		Clock:    config.Clock,
		OnChange: hub.Publish,
	}, logger)
	jwtAuth := NewJWTAuth(config.JWTSecret)
	handlers := NewHTTPHandlers(service, hub, logger)

	return &ServerComponents{
		Service: service,
		Hub:     hub,
		JWTAuth: jwtAuth,
		Handler: handlers.Routes(jwtAuth),
	}
}
