// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bMacroni/MindClear-sub002/internal/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const subscriberBuffer = 16

type subscriber struct {
	deviceID string
	notices  chan RealtimeNotice
}

// RealtimeHub fans out change notices to the websocket connections of a user.
type RealtimeHub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

// NewRealtimeHub creates an empty hub.
func NewRealtimeHub(logger *slog.Logger) *RealtimeHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeHub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Publish delivers notice to every connection of userID. Slow subscribers
// drop notices instead of blocking writers.
func (h *RealtimeHub) Publish(userID string, notice RealtimeNotice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[userID] {
		select {
		case sub.notices <- notice:
		default:
			h.logger.Debug("Dropping realtime notice for slow subscriber", "user_id", userID, "device_id", sub.deviceID)
		}
	}
}

// Subscribers returns the number of open connections for userID.
func (h *RealtimeHub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *RealtimeHub) add(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
}

func (h *RealtimeHub) remove(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], sub)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// HandleRealtime upgrades the request to a websocket and streams notices
// until the client goes away. Must run behind JWTAuth.Middleware.
func (h *RealtimeHub) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: CodeAuthenticationFailed, Message: "missing identity"})
		return
	}
	deviceID, _ := auth.GetDeviceID(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to accept realtime connection", "error", err, "user_id", userID)
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{deviceID: deviceID, notices: make(chan RealtimeNotice, subscriberBuffer)}
	h.add(userID, sub)
	defer h.remove(userID, sub)

	// Clients never send; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-sub.notices:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, notice)
			cancel()
			if err != nil {
				h.logger.Debug("Realtime write failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}
