// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"strings"
)

// SyncStatus is the per-record synchronization phase.
type SyncStatus string

const (
	PendingCreate SyncStatus = "pending_create"
	PendingUpdate SyncStatus = "pending_update"
	PendingDelete SyncStatus = "pending_delete"
	Synced        SyncStatus = "synced"
	SyncFailed    SyncStatus = "sync_failed"
)

// Lifecycle is the business phase of a task. It is independent of SyncStatus
// and empty for kinds that have no lifecycle.
type Lifecycle string

const (
	LifecycleNone       Lifecycle = ""
	LifecycleNotStarted Lifecycle = "not_started"
	LifecycleInProgress Lifecycle = "in_progress"
	LifecycleCompleted  Lifecycle = "completed"
)

// SyncStatuses lists every valid sync status.
var SyncStatuses = []SyncStatus{PendingCreate, PendingUpdate, PendingDelete, Synced, SyncFailed}

// Lifecycles lists every valid lifecycle including LifecycleNone.
var Lifecycles = []Lifecycle{LifecycleNone, LifecycleNotStarted, LifecycleInProgress, LifecycleCompleted}

const statusSeparator = ":"

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case PendingCreate, PendingUpdate, PendingDelete, Synced, SyncFailed:
		return true
	}
	return false
}

// Valid reports whether l is a known lifecycle value (LifecycleNone included).
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleNone, LifecycleNotStarted, LifecycleInProgress, LifecycleCompleted:
		return true
	}
	return false
}

// IsDirty reports whether the record still has to be reconciled with the remote.
func IsDirty(r Record) bool {
	return r.Sync != Synced
}

// Recompose encodes both phases into the single persisted status value:
// "<sync>" or "<sync>:<lifecycle>".
func Recompose(s SyncStatus, l Lifecycle) string {
	if l == LifecycleNone {
		return string(s)
	}
	return string(s) + statusSeparator + string(l)
}

// Decompose parses a persisted status value. Anything it does not recognize,
// including legacy bare lifecycle values, decodes to (PendingUpdate,
// LifecycleNotStarted) so the record stays in the sync queue.
func Decompose(raw string) (SyncStatus, Lifecycle) {
	syncPart, lifePart, composite := strings.Cut(raw, statusSeparator)
	s := SyncStatus(syncPart)
	if !s.Valid() {
		return PendingUpdate, LifecycleNotStarted
	}
	if !composite {
		return s, LifecycleNone
	}
	l := Lifecycle(lifePart)
	if l == LifecycleNone || !l.Valid() {
		return PendingUpdate, LifecycleNotStarted
	}
	return s, l
}
