// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

// Collection names served by the record API
const (
	KindTasks          = "tasks"
	KindGoals          = "goals"
	KindMilestones     = "milestones"
	KindSteps          = "steps"
	KindCalendarEvents = "calendar_events"
)

// Error codes carried in ErrorResponse.Error
const (
	CodeConflict             = "conflict"
	CodeAuthenticationFailed = "authentication_failed"
	CodeInvalidRequest       = "invalid_request"
	CodeNotFound             = "not_found"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeInternal             = "internal_error"
)

// Task lifecycle values carried in Record.Status
const (
	LifecycleNotStarted = "not_started"
	LifecycleInProgress = "in_progress"
	LifecycleCompleted  = "completed"
)

// NoticeChanged is the only realtime notice type.
const NoticeChanged = "changed"

// Kinds lists every collection in dependency order (parents first).
var Kinds = []string{KindTasks, KindGoals, KindMilestones, KindSteps, KindCalendarEvents}

// parentField names the reference a child kind carries to its parent.
var parentField = map[string]string{
	KindMilestones: "goal_id",
	KindSteps:      "milestone_id",
}

// childKind names the nested collection a parent kind embeds.
var childKind = map[string]string{
	KindGoals:      KindMilestones,
	KindMilestones: KindSteps,
}

// IsKnownKind reports whether kind is served by the API.
func IsKnownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParentField returns the parent reference field of a child kind, or "".
func ParentField(kind string) string { return parentField[kind] }

// ChildKind returns the nested collection embedded by kind, or "".
func ChildKind(kind string) string { return childKind[kind] }

// IsValidLifecycle reports whether s is a known task lifecycle value.
func IsValidLifecycle(s string) bool {
	switch s {
	case LifecycleNotStarted, LifecycleInProgress, LifecycleCompleted:
		return true
	}
	return false
}
