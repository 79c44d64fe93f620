// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models shared by the record API handlers and the sync client.

// Record is the wire form of a syncable record. Business fields are carried
// flat next to the reserved keys; nested structural children (milestones of a
// goal, steps of a milestone) are kept under their collection key.
type Record struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id,omitempty"`
	UpdatedAt       string              `json:"updated_at,omitempty"`        // server-stamped, RFC3339
	ClientUpdatedAt string              `json:"client_updated_at,omitempty"` // conflict-check token sent by clients
	Status          string              `json:"status,omitempty"`            // task lifecycle (not_started, in_progress, completed)
	Fields          map[string]any      `json:"-"`
	Children        map[string][]Record `json:"-"`
	// ChildErrors lists nested elements that could not be decoded. Their
	// well-formed siblings are still in Children.
	ChildErrors []*DecodeError `json:"-"`
}

// DecodeError is one collection element that could not be decoded.
type DecodeError struct {
	// Key is the child collection key, empty for a top-level element.
	Key string
	// ID is recovered from the element when it carries a string id.
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("malformed %s element %q: %v", e.Key, e.ID, e.Err)
	}
	return fmt.Sprintf("malformed element %q: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeltaResponse is returned by GET /{kind}?since=...
type DeltaResponse struct {
	Changed []Record `json:"changed"`
	Deleted []string `json:"deleted"`
}

// ConflictResponse is returned with 409 when the client token is older than
// the stored record.
type ConflictResponse struct {
	Error        string  `json:"error"`
	Message      string  `json:"message,omitempty"`
	ServerRecord *Record `json:"server_record,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RealtimeNotice is pushed over the realtime websocket after a write.
type RealtimeNotice struct {
	Type string `json:"type"` // always "changed"
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// ChangeSet is the normalized result of a changes request: a full collection
// and a delta envelope both decode into it.
type ChangeSet struct {
	Changed []Record
	Deleted []string
	Full    bool
	// Invalid holds elements that could not be decoded. The rest of the
	// response is still usable.
	Invalid []*DecodeError
}

// DecodeChangeSet accepts either a JSON array (full collection) or a
// {changed, deleted} envelope. Elements are decoded one by one; only a
// response whose overall shape is wrong is an error.
func DecodeChangeSet(body []byte) (*ChangeSet, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty changes response")
	}
	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, fmt.Errorf("failed to decode full collection: %w", err)
		}
		records, invalid := decodeRecords("", elems)
		return &ChangeSet{Changed: records, Full: true, Invalid: invalid}, nil
	case '{':
		var delta struct {
			Changed []json.RawMessage `json:"changed"`
			Deleted []json.RawMessage `json:"deleted"`
		}
		if err := json.Unmarshal(trimmed, &delta); err != nil {
			return nil, fmt.Errorf("failed to decode delta envelope: %w", err)
		}
		records, invalid := decodeRecords("", delta.Changed)
		cs := &ChangeSet{Changed: records, Invalid: invalid}
		for _, raw := range delta.Deleted {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil || id == "" {
				cs.Invalid = append(cs.Invalid, &DecodeError{Key: "deleted", Err: fmt.Errorf("bad deleted id %s", raw)})
				continue
			}
			cs.Deleted = append(cs.Deleted, id)
		}
		return cs, nil
	default:
		return nil, fmt.Errorf("unexpected changes response shape starting with %q", trimmed[0])
	}
}

// decodeRecords decodes each element on its own so one bad element does not
// hide its siblings.
func decodeRecords(key string, elems []json.RawMessage) ([]Record, []*DecodeError) {
	records := make([]Record, 0, len(elems))
	var invalid []*DecodeError
	for _, raw := range elems {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			invalid = append(invalid, &DecodeError{Key: key, ID: recoverID(raw), Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, invalid
}

// recoverID returns the element's id when it is a JSON string.
func recoverID(raw json.RawMessage) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(head.ID, &id); err != nil {
		return ""
	}
	return id
}

// Reserved keys never stored in Fields.
var reservedKeys = map[string]struct{}{
	"id":                {},
	"user_id":           {},
	"updated_at":        {},
	"client_updated_at": {},
	"status":            {},
}

// childCollections lists the keys that carry nested structural records.
var childCollections = map[string]struct{}{
	"milestones": {},
	"steps":      {},
}

// IsReservedKey reports whether key is handled by Record itself.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// MarshalJSON flattens Fields and Children next to the reserved keys.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+len(r.Children)+5)
	for k, v := range r.Fields {
		if IsReservedKey(k) {
			continue
		}
		out[k] = v
	}
	for k, children := range r.Children {
		out[k] = children
	}
	out["id"] = r.ID
	if r.UserID != "" {
		out["user_id"] = r.UserID
	}
	if r.UpdatedAt != "" {
		out["updated_at"] = r.UpdatedAt
	}
	if r.ClientUpdatedAt != "" {
		out["client_updated_at"] = r.ClientUpdatedAt
	}
	if r.Status != "" {
		out["status"] = r.Status
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object into reserved keys, nested children and
// business fields. Reserved keys of the wrong type are a decode error.
// Child collection keys never become fields: malformed nested elements, or
// a collection that is not a list, land in ChildErrors.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{}
	str := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		return nil
	}
	for key, dst := range map[string]*string{
		"id":                &r.ID,
		"user_id":           &r.UserID,
		"updated_at":        &r.UpdatedAt,
		"client_updated_at": &r.ClientUpdatedAt,
		"status":            &r.Status,
	} {
		if err := str(key, dst); err != nil {
			return err
		}
	}

	for key, v := range raw {
		if IsReservedKey(key) {
			continue
		}
		if _, nested := childCollections[key]; nested {
			if string(v) == "null" {
				continue
			}
			var elems []json.RawMessage
			if err := json.Unmarshal(v, &elems); err != nil {
				r.ChildErrors = append(r.ChildErrors, &DecodeError{Key: key, Err: fmt.Errorf("not a list: %w", err)})
				continue
			}
			children, invalid := decodeRecords(key, elems)
			r.ChildErrors = append(r.ChildErrors, invalid...)
			if r.Children == nil {
				r.Children = make(map[string][]Record)
			}
			r.Children[key] = children
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		r.Fields[key] = val
	}
	return nil
}

// FormatTime renders a timestamp the way the API stamps it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an API timestamp. Plain dates are accepted for date fields.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}
