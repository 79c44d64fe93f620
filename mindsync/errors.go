// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

var (
	// ErrAuthentication is matched by every *AuthError.
	ErrAuthentication = errors.New("authentication failed")
	// ErrPendingDelete is returned when a record awaiting deletion is edited.
	ErrPendingDelete = errors.New("record is pending deletion")
	// ErrNotFound is returned by the local store for unknown records.
	ErrNotFound = errors.New("record not found")
	// ErrCycleInFlight is reported when a sync request is dropped because a
	// cycle is already running.
	ErrCycleInFlight = errors.New("sync cycle already in flight")
)

// ErrorKind classifies failures for reporting.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindAuthentication ErrorKind = "authentication"
	KindConflict       ErrorKind = "conflict"
	KindTransient      ErrorKind = "transient"
	KindValidation     ErrorKind = "validation"
	KindLocalApply     ErrorKind = "local_apply"
)

// AuthError reports a missing or rejected credential. The push pipeline stops
// on the first one.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAuthentication) true for any *AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuthentication }

// ConflictError carries the authoritative server snapshot returned with a 409.
// ServerRecord is nil when the remote no longer has the record.
type ConflictError struct {
	ServerRecord *mindapi.Record
}

func (e *ConflictError) Error() string {
	if e.ServerRecord == nil {
		return "conflict: record missing on server"
	}
	return fmt.Sprintf("conflict: server holds %s updated at %s", e.ServerRecord.ID, e.ServerRecord.UpdatedAt)
}

// RemoteError is any non-auth, non-conflict failure talking to the remote.
type RemoteError struct {
	Kind   ErrorKind
	Status int
	Body   string
	Err    error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("remote %s error: %v", e.Kind, e.Err)
	case e.Body != "":
		return fmt.Sprintf("remote %s error (status %d): %s", e.Kind, e.Status, e.Body)
	default:
		return fmt.Sprintf("remote %s error (status %d)", e.Kind, e.Status)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ApplyError is a per-record failure to apply a pulled payload locally.
type ApplyError struct {
	Kind Kind
	ID   string
	// ParentID is set for nested records. The parent's local children are
	// kept on a full pull because its pulled child list is incomplete.
	ParentID string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply %s/%s: %v", e.Kind, e.ID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ClassifyError maps err onto the reporting taxonomy.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var remote *RemoteError
	var conflict *ConflictError
	var apply *ApplyError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &remote):
		return remote.Kind
	case errors.As(err, &apply):
		return KindLocalApply
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return KindTransient
	default:
		return KindValidation
	}
}

// classifyStatus maps an HTTP status outside 2xx to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 409:
		return KindConflict
	case status == 408 || status == 429 || status >= 500:
		return KindTransient
	default:
		return KindValidation
	}
}
