// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"fmt"
	"time"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

// Kind names an entity kind. It doubles as the local table name and the
// remote collection name.
type Kind string

const (
	KindTask          Kind = mindapi.KindTasks
	KindGoal          Kind = mindapi.KindGoals
	KindMilestone     Kind = mindapi.KindMilestones
	KindStep          Kind = mindapi.KindSteps
	KindCalendarEvent Kind = mindapi.KindCalendarEvents
)

// KindSpec describes how a kind is stored and synchronized.
type KindSpec struct {
	Kind Kind
	// Rank orders kinds parents-first for creates and updates.
	Rank int
	// ParentField is the reference to the parent record ("" for roots).
	ParentField string
	// Child is the nested kind carried inside this kind's pull payload.
	Child Kind
	// ChildKey is the payload key the nested children arrive under.
	ChildKey string
	// DateFields must hold parseable timestamps when present in a pulled payload.
	DateFields []string
	// HasLifecycle marks kinds whose persisted status carries a lifecycle.
	HasLifecycle bool
	// TopLevel kinds are requested individually by the pull pipeline;
	// the others arrive nested in their parent's payload.
	TopLevel bool
}

// Kinds is the registry of synchronized kinds in rank order.
var Kinds = []KindSpec{
	{Kind: KindTask, Rank: 0, DateFields: []string{"due_date", "completed_at"}, HasLifecycle: true, TopLevel: true},
	{Kind: KindGoal, Rank: 1, Child: KindMilestone, ChildKey: "milestones", DateFields: []string{"target_completion_date"}, TopLevel: true},
	{Kind: KindMilestone, Rank: 2, ParentField: "goal_id", Child: KindStep, ChildKey: "steps"},
	{Kind: KindStep, Rank: 3, ParentField: "milestone_id"},
	{Kind: KindCalendarEvent, Rank: 4, DateFields: []string{"start_time", "end_time"}, TopLevel: true},
}

// Spec returns the registry entry for k.
func (k Kind) Spec() (KindSpec, bool) {
	for _, s := range Kinds {
		if s.Kind == k {
			return s, true
		}
	}
	return KindSpec{}, false
}

func mustSpec(k Kind) KindSpec {
	s, ok := k.Spec()
	if !ok {
		panic(fmt.Sprintf("mindsync: unknown kind %q", k))
	}
	return s
}

// Op is a remote write operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Record is a local syncable record.
type Record struct {
	Kind    Kind
	ID      string
	OwnerID string
	// UpdatedAt is authoritative only when Confirmed is true; local edits
	// stamp a provisional value.
	UpdatedAt time.Time
	Sync      SyncStatus
	Lifecycle Lifecycle
	// Confirmed is set once the remote has stamped this record.
	Confirmed bool
	// FailedOp remembers the operation that moved the record to SyncFailed.
	FailedOp Op
	Fields   map[string]any
	// Children holds nested structural records received on pull. It is never
	// persisted as part of this record.
	Children []Record
}

// Ref returns the record's identity.
func (r Record) Ref() RecordRef {
	return RecordRef{Kind: r.Kind, ID: r.ID}
}

// Clone copies the field map so the result can be mutated independently.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	out.Children = nil
	for _, c := range r.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Deleting reports whether the record is waiting for a remote delete, either
// queued or after a failed attempt.
func (r Record) Deleting() bool {
	return r.Sync == PendingDelete || (r.Sync == SyncFailed && r.FailedOp == OpDelete)
}

// ParentID returns the parent reference of a nested record, if any.
func (r Record) ParentID() string {
	spec, ok := r.Kind.Spec()
	if !ok || spec.ParentField == "" {
		return ""
	}
	s, _ := r.Fields[spec.ParentField].(string)
	return s
}

// RecordRef identifies a record across kinds.
type RecordRef struct {
	Kind Kind
	ID   string
}

func (r RecordRef) String() string {
	return string(r.Kind) + "/" + r.ID
}
