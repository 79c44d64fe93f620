// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StoredRecord is the authoritative server-side copy of a record.
type StoredRecord struct {
	UserID    string
	Kind      string
	ID        string
	UpdatedAt time.Time
	Status    string
	Fields    map[string]any
}

// ToWire converts the stored row to its API representation.
func (r *StoredRecord) ToWire() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{
		ID:        r.ID,
		UserID:    r.UserID,
		UpdatedAt: FormatTime(r.UpdatedAt),
		Status:    r.Status,
		Fields:    fields,
	}
}

// Mutation is the outcome of a MutateFunc: either Put is upserted, or the
// record is removed and a tombstone stamped at DeleteAt. A zero Mutation
// leaves the store untouched.
type Mutation struct {
	Put      *StoredRecord
	DeleteAt time.Time
}

// MutateFunc receives the current record (nil when absent) under the store's
// row lock and decides what to write.
type MutateFunc func(current *StoredRecord) (Mutation, error)

// Store persists records and tombstones per user.
type Store interface {
	// Mutate runs fn atomically for one (user, kind, id).
	Mutate(ctx context.Context, userID, kind, id string, fn MutateFunc) error
	// List returns the user's records of kind updated at or after since
	// (all records when since is zero), oldest first.
	List(ctx context.Context, userID, kind string, since time.Time) ([]StoredRecord, error)
	// Tombstones returns ids of records of the given kinds deleted at or after since.
	Tombstones(ctx context.Context, userID string, kinds []string, since time.Time) ([]string, error)
}

type recordKey struct {
	userID string
	kind   string
	id     string
}

type tombstone struct {
	key       recordKey
	deletedAt time.Time
}

// MemoryStore is an in-process Store used by tests and the default server.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[recordKey]StoredRecord
	tombstones map[recordKey]tombstone
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[recordKey]StoredRecord),
		tombstones: make(map[recordKey]tombstone),
	}
}

func (m *MemoryStore) Mutate(ctx context.Context, userID, kind, id string, fn MutateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{userID: userID, kind: kind, id: id}
	var current *StoredRecord
	if rec, ok := m.records[key]; ok {
		cp := rec
		cp.Fields = cloneFields(rec.Fields)
		current = &cp
	}

	mutation, err := fn(current)
	if err != nil {
		return err
	}

	switch {
	case mutation.Put != nil:
		rec := *mutation.Put
		rec.Fields = cloneFields(rec.Fields)
		m.records[key] = rec
		delete(m.tombstones, key)
	case !mutation.DeleteAt.IsZero():
		delete(m.records, key)
		m.tombstones[key] = tombstone{key: key, deletedAt: mutation.DeleteAt}
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, userID, kind string, since time.Time) ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StoredRecord
	for key, rec := range m.records {
		if key.userID != userID || key.kind != kind {
			continue
		}
		if !since.IsZero() && rec.UpdatedAt.Before(since) {
			continue
		}
		cp := rec
		cp.Fields = cloneFields(rec.Fields)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Tombstones(ctx context.Context, userID string, kinds []string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		wanted[k] = struct{}{}
	}
	var stones []tombstone
	for key, ts := range m.tombstones {
		if key.userID != userID {
			continue
		}
		if _, ok := wanted[key.kind]; !ok {
			continue
		}
		if !since.IsZero() && ts.deletedAt.Before(since) {
			continue
		}
		stones = append(stones, ts)
	}
	sort.Slice(stones, func(i, j int) bool { return stones[i].deletedAt.Before(stones[j].deletedAt) })
	ids := make([]string, 0, len(stones))
	for _, ts := range stones {
		ids = append(ids, ts.key.id)
	}
	return ids, nil
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
