// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("record not found")

// ConflictError reports a write whose client_updated_at token is older than
// the stored record. Server holds the authoritative snapshot.
type ConflictError struct {
	Server Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: stored record %s updated at %s", e.Server.ID, e.Server.UpdatedAt)
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ServiceConfig holds configuration for the record service
type ServiceConfig struct {
	// Clock stamps updated_at; defaults to time.Now.
	Clock func() time.Time
	// OnChange is invoked after every committed write.
	OnChange func(userID string, notice RealtimeNotice)
}

// RecordService implements last-write-wins record storage on top of a Store.
type RecordService struct {
	store  Store
	logger *slog.Logger
	config *ServiceConfig
}

// NewRecordService creates a record service.
func NewRecordService(store Store, config *ServiceConfig, logger *slog.Logger) *RecordService {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordService{store: store, logger: logger, config: config}
}

// stamp returns a server timestamp strictly after prev.
func (s *RecordService) stamp(prev *StoredRecord) time.Time {
	now := s.config.Clock().UTC().Truncate(time.Microsecond)
	if prev != nil && !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Microsecond)
	}
	return now
}

func (s *RecordService) publish(userID, kind, id string) {
	if s.config.OnChange != nil {
		s.config.OnChange(userID, RealtimeNotice{Type: NoticeChanged, Kind: kind, ID: id})
	}
}

// clientToken parses the conflict-check token; required when a stored record exists.
func clientToken(in Record, required bool) (time.Time, error) {
	if in.ClientUpdatedAt == "" {
		if required {
			return time.Time{}, invalidf("client_updated_at is required")
		}
		return time.Time{}, nil
	}
	t, err := ParseTime(in.ClientUpdatedAt)
	if err != nil {
		return time.Time{}, invalidf("client_updated_at: %v", err)
	}
	return t, nil
}

func (s *RecordService) validate(kind string, in Record) (string, error) {
	if !IsKnownKind(kind) {
		return "", invalidf("unknown collection %q", kind)
	}
	if in.ID == "" {
		return "", invalidf("id is required")
	}
	if pf := ParentField(kind); pf != "" {
		if v, ok := in.Fields[pf].(string); !ok || v == "" {
			return "", invalidf("%s requires %s", kind, pf)
		}
	}
	if kind != KindTasks {
		return "", nil
	}
	if in.Status == "" {
		return LifecycleNotStarted, nil
	}
	if !IsValidLifecycle(in.Status) {
		return "", invalidf("invalid task status %q", in.Status)
	}
	return in.Status, nil
}

// Create stores a new record. Re-creating an existing id behaves as an update
// guarded by the same last-write-wins check.
func (s *RecordService) Create(ctx context.Context, userID, kind string, in Record) (*Record, error) {
	return s.write(ctx, userID, kind, in, true)
}

// Update overwrites an existing record unless the stored copy is newer.
func (s *RecordService) Update(ctx context.Context, userID, kind, id string, in Record) (*Record, error) {
	if in.ID == "" {
		in.ID = id
	}
	if in.ID != id {
		return nil, invalidf("id in body %q does not match path %q", in.ID, id)
	}
	return s.write(ctx, userID, kind, in, false)
}

func (s *RecordService) write(ctx context.Context, userID, kind string, in Record, create bool) (*Record, error) {
	status, err := s.validate(kind, in)
	if err != nil {
		return nil, err
	}
	token, err := clientToken(in, !create)
	if err != nil {
		return nil, err
	}

	var stored StoredRecord
	err = s.store.Mutate(ctx, userID, kind, in.ID, func(current *StoredRecord) (Mutation, error) {
		if current == nil && !create {
			return Mutation{}, ErrNotFound
		}
		if current != nil && !token.IsZero() && token.Before(current.UpdatedAt) {
			return Mutation{}, &ConflictError{Server: current.ToWire()}
		}
		if current != nil && token.IsZero() {
			return Mutation{}, &ConflictError{Server: current.ToWire()}
		}
		stored = StoredRecord{
			UserID:    userID,
			Kind:      kind,
			ID:        in.ID,
			UpdatedAt: s.stamp(current),
			Status:    status,
			Fields:    cloneFields(in.Fields),
		}
		return Mutation{Put: &stored}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Record written", "user_id", userID, "kind", kind, "id", in.ID, "create", create)
	s.publish(userID, kind, in.ID)
	out := stored.ToWire()
	return &out, nil
}

// Delete removes a record and leaves a tombstone for delta readers.
func (s *RecordService) Delete(ctx context.Context, userID, kind, id string, in Record) error {
	if !IsKnownKind(kind) {
		return invalidf("unknown collection %q", kind)
	}
	token, err := clientToken(in, false)
	if err != nil {
		return err
	}

	err = s.store.Mutate(ctx, userID, kind, id, func(current *StoredRecord) (Mutation, error) {
		if current == nil {
			return Mutation{}, ErrNotFound
		}
		if !token.IsZero() && token.Before(current.UpdatedAt) {
			return Mutation{}, &ConflictError{Server: current.ToWire()}
		}
		return Mutation{DeleteAt: s.stamp(current)}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Record deleted", "user_id", userID, "kind", kind, "id", id)
	s.publish(userID, kind, id)
	return nil
}

// Changes returns the full collection when since is nil, otherwise a delta of
// records changed and ids deleted at or after since. Goals embed their
// milestones and steps.
func (s *RecordService) Changes(ctx context.Context, userID, kind string, since *time.Time) (*ChangeSet, error) {
	if !IsKnownKind(kind) {
		return nil, invalidf("unknown collection %q", kind)
	}

	var after time.Time
	if since != nil {
		after = since.UTC()
	}

	var changed []Record
	var err error
	if ChildKind(kind) != "" {
		changed, err = s.changedTrees(ctx, userID, kind, after)
	} else {
		changed, err = s.changedFlat(ctx, userID, kind, after)
	}
	if err != nil {
		return nil, err
	}
	if changed == nil {
		changed = []Record{}
	}
	if since == nil {
		return &ChangeSet{Changed: changed, Full: true}, nil
	}

	kinds := []string{kind}
	for child := ChildKind(kind); child != ""; child = ChildKind(child) {
		kinds = append(kinds, child)
	}
	deleted, err := s.store.Tombstones(ctx, userID, kinds, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	if deleted == nil {
		deleted = []string{}
	}
	return &ChangeSet{Changed: changed, Deleted: deleted}, nil
}

func (s *RecordService) changedFlat(ctx context.Context, userID, kind string, after time.Time) ([]Record, error) {
	rows, err := s.store.List(ctx, userID, kind, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToWire())
	}
	return out, nil
}

type treeNode struct {
	rec      Record
	latest   time.Time
	children []*treeNode
}

// changedTrees builds parent records with nested children and keeps the trees
// where any node changed at or after the cutoff.
func (s *RecordService) changedTrees(ctx context.Context, userID, kind string, after time.Time) ([]Record, error) {
	roots, err := s.buildLevel(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(roots))
	for _, n := range roots {
		if !after.IsZero() && n.latest.Before(after) {
			continue
		}
		out = append(out, n.rec)
	}
	return out, nil
}

// buildLevel loads every record of kind with its descendants attached.
func (s *RecordService) buildLevel(ctx context.Context, userID, kind string) ([]*treeNode, error) {
	rows, err := s.store.List(ctx, userID, kind, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	nodes := make([]*treeNode, 0, len(rows))
	byID := make(map[string]*treeNode, len(rows))
	for i := range rows {
		n := &treeNode{rec: rows[i].ToWire(), latest: rows[i].UpdatedAt}
		nodes = append(nodes, n)
		byID[rows[i].ID] = n
	}

	child := ChildKind(kind)
	if child == "" {
		return nodes, nil
	}
	children, err := s.buildLevel(ctx, userID, child)
	if err != nil {
		return nil, err
	}
	pf := ParentField(child)
	for _, c := range children {
		parentID, _ := c.rec.Fields[pf].(string)
		parent, ok := byID[parentID]
		if !ok {
			continue
		}
		parent.children = append(parent.children, c)
		if c.latest.After(parent.latest) {
			parent.latest = c.latest
		}
	}
	for _, n := range nodes {
		nested := make([]Record, 0, len(n.children))
		for _, c := range n.children {
			nested = append(nested, c.rec)
		}
		n.rec.Children = map[string][]Record{child: nested}
	}
	return nodes, nil
}
