// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"errors"
	"fmt"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

var errForeignOwner = errors.New("record belongs to another user")

// toWire builds the push payload: business fields, the conflict token and,
// for tasks, the lifecycle.
func toWire(rec Record) mindapi.Record {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if mindapi.IsReservedKey(k) {
			continue
		}
		fields[k] = v
	}
	out := mindapi.Record{
		ID:     rec.ID,
		UserID: rec.OwnerID,
		Status: string(rec.Lifecycle),
		Fields: fields,
	}
	if !rec.UpdatedAt.IsZero() {
		out.ClientUpdatedAt = mindapi.FormatTime(rec.UpdatedAt)
	}
	return out
}

// fromWire validates a pulled payload and converts it into a synced local
// record. Nested children are decoded into Children; a malformed child,
// including one the wire decoder could not read, is dropped with its subtree
// and reported. ok is false when the record itself
// is rejected.
func fromWire(kind Kind, w mindapi.Record, parentID, ownerID string) (rec Record, ok bool, errs []*ApplyError) {
	spec := mustSpec(kind)
	fail := func(err error) (Record, bool, []*ApplyError) {
		return Record{}, false, []*ApplyError{{Kind: kind, ID: w.ID, ParentID: parentID, Err: err}}
	}

	if w.ID == "" {
		return fail(errors.New("missing id"))
	}
	if w.UserID != "" && ownerID != "" && w.UserID != ownerID {
		return fail(errForeignOwner)
	}
	if w.UpdatedAt == "" {
		return fail(errors.New("missing updated_at"))
	}
	updatedAt, err := mindapi.ParseTime(w.UpdatedAt)
	if err != nil {
		return fail(fmt.Errorf("updated_at: %w", err))
	}
	for _, field := range spec.DateFields {
		v, present := w.Fields[field]
		if !present || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return fail(fmt.Errorf("%s: expected a timestamp string, got %T", field, v))
		}
		if s == "" {
			continue
		}
		if _, err := mindapi.ParseTime(s); err != nil {
			return fail(fmt.Errorf("%s: %w", field, err))
		}
	}

	lifecycle := LifecycleNone
	if spec.HasLifecycle {
		lifecycle = Lifecycle(w.Status)
		if lifecycle == LifecycleNone {
			lifecycle = LifecycleNotStarted
		}
		if !lifecycle.Valid() {
			return fail(fmt.Errorf("invalid status %q", w.Status))
		}
	}

	fields := make(map[string]any, len(w.Fields)+1)
	for k, v := range w.Fields {
		fields[k] = v
	}
	if spec.ParentField != "" {
		if s, _ := fields[spec.ParentField].(string); s == "" {
			if parentID == "" {
				return fail(fmt.Errorf("missing %s", spec.ParentField))
			}
			fields[spec.ParentField] = parentID
		}
	}

	owner := w.UserID
	if owner == "" {
		owner = ownerID
	}
	rec = Record{
		Kind:      kind,
		ID:        w.ID,
		OwnerID:   owner,
		UpdatedAt: updatedAt,
		Sync:      Synced,
		Lifecycle: lifecycle,
		Confirmed: true,
		Fields:    fields,
	}

	if spec.Child != "" {
		for _, cw := range w.Children[spec.ChildKey] {
			child, childOK, childErrs := fromWire(spec.Child, cw, w.ID, ownerID)
			errs = append(errs, childErrs...)
			if childOK {
				rec.Children = append(rec.Children, child)
			}
		}
		for _, de := range w.ChildErrors {
			if de.Key != spec.ChildKey {
				continue
			}
			errs = append(errs, &ApplyError{Kind: spec.Child, ID: de.ID, ParentID: w.ID, Err: de})
		}
	}
	return rec, true, errs
}

// acceptServer folds the remote's answer to a successful write into the local
// record: server timestamp, server lifecycle when present, synced.
func acceptServer(local Record, server *mindapi.Record) (Record, error) {
	out := local.Clone()
	if server != nil && server.UpdatedAt != "" {
		ts, err := mindapi.ParseTime(server.UpdatedAt)
		if err != nil {
			return Record{}, fmt.Errorf("server updated_at: %w", err)
		}
		out.UpdatedAt = ts
	}
	if spec := mustSpec(local.Kind); spec.HasLifecycle && server != nil && server.Status != "" {
		if l := Lifecycle(server.Status); l != LifecycleNone && l.Valid() {
			out.Lifecycle = l
		}
	}
	out.Sync = Synced
	out.Confirmed = true
	out.FailedOp = ""
	return out, nil
}

// overwriteWithServer replaces every local field with the server snapshot.
func overwriteWithServer(local Record, server mindapi.Record) (Record, error) {
	rec, ok, errs := fromWire(local.Kind, server, local.ParentID(), local.OwnerID)
	if !ok {
		return Record{}, errs[0]
	}
	rec.Children = nil
	return rec, nil
}
