// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const cursorKey = "last_pulled_at"

// stampLayout is fixed width so stored timestamps sort lexically.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Tx is the view of the local store inside one write transaction.
type Tx interface {
	Find(ctx context.Context, kind Kind, id string) (Record, error)
	List(ctx context.Context, kind Kind) ([]Record, error)
	Put(ctx context.Context, rec Record) error
	Remove(ctx context.Context, kind Kind, id string) error
	// RemoveAny deletes id from whichever kind holds it and reports the kind.
	RemoveAny(ctx context.Context, id string) (Kind, bool, error)
	Cursor(ctx context.Context) (time.Time, bool, error)
	SetCursor(ctx context.Context, t time.Time) error
	ClearCursor(ctx context.Context) error
}

// LocalStore is what the pipelines need from local persistence.
type LocalStore interface {
	Dirty(ctx context.Context) ([]Record, error)
	HasPending(ctx context.Context) (bool, error)
	Find(ctx context.Context, kind Kind, id string) (Record, error)
	Cursor(ctx context.Context) (time.Time, bool, error)
	ClearCursor(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is the SQLite-backed local record store. One table per kind plus the
// _sync_state key/value table holding the pull cursor.
type Store struct {
	DB      *sql.DB
	OwnerID string
	Clock   func() time.Time
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to prevent SQLite locking issues
}

// NewStore initializes the schema and returns a store for ownerID.
func NewStore(db *sql.DB, ownerID string, logger *slog.Logger) (*Store, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, OwnerID: ownerID, Clock: time.Now, logger: logger}, nil
}

// initializeDatabase creates the kind tables and the sync state table.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, spec := range Kinds {
		table := string(spec.Kind)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				owner_id   TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT '',  -- RFC3339Nano, '' = never stamped
				status     TEXT NOT NULL,             -- "<sync>" or "<sync>:<lifecycle>"
				confirmed  INTEGER NOT NULL DEFAULT 0,-- 1 once the remote stamped the record
				failed_op  TEXT NOT NULL DEFAULT '',
				fields     TEXT NOT NULL DEFAULT '{}'
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, table, table),
		)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stampLayout)
}

func parseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const recordColumns = `id, owner_id, updated_at, status, confirmed, failed_op, fields`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, row rowScanner) (Record, error) {
	var (
		rec                 Record
		updatedAt, status   string
		confirmed           int
		failedOp, fieldsRaw string
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &updatedAt, &status, &confirmed, &failedOp, &fieldsRaw); err != nil {
		return Record{}, err
	}
	rec.Kind = kind
	ts, err := parseStamp(updatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse updated_at of %s/%s: %w", kind, rec.ID, err)
	}
	rec.UpdatedAt = ts
	rec.Sync, rec.Lifecycle = Decompose(status)
	rec.Confirmed = confirmed == 1
	rec.FailedOp = Op(failedOp)
	if err := json.Unmarshal([]byte(fieldsRaw), &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("failed to decode fields of %s/%s: %w", kind, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

func findRecord(ctx context.Context, q queryer, kind Kind, id string) (Record, error) {
	mustSpec(kind)
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, kind), id)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", kind, id, ErrNotFound)
	}
	return rec, err
}

func putRecord(ctx context.Context, q queryer, rec Record) error {
	mustSpec(rec.Kind)
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of %s: %w", rec.Ref(), err)
	}
	confirmed := 0
	if rec.Confirmed {
		confirmed = 1
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at,
			status = excluded.status,
			confirmed = excluded.confirmed,
			failed_op = excluded.failed_op,
			fields = excluded.fields
	`, rec.Kind, recordColumns),
		rec.ID, rec.OwnerID, formatStamp(rec.UpdatedAt), Recompose(rec.Sync, rec.Lifecycle),
		confirmed, string(rec.FailedOp), string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rec.Ref(), err)
	}
	return nil
}

func removeRecord(ctx context.Context, q queryer, kind Kind, id string) (bool, error) {
	mustSpec(kind)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, kind), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func readCursor(ctx context.Context, q queryer) (time.Time, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM _sync_state WHERE key = ?`, cursorKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor %q: %w", raw, err)
	}
	return t, true, nil
}

// queryKind returns every record of kind matching where (may be empty).
func queryKind(ctx context.Context, q queryer, kind Kind, where string, args ...any) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, kind)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY updated_at, id"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// sqlTx implements Tx over a database transaction.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Find(ctx context.Context, kind Kind, id string) (Record, error) {
	return findRecord(ctx, t.tx, kind, id)
}

func (t *sqlTx) List(ctx context.Context, kind Kind) ([]Record, error) {
	mustSpec(kind)
	return queryKind(ctx, t.tx, kind, "")
}

func (t *sqlTx) Put(ctx context.Context, rec Record) error {
	return putRecord(ctx, t.tx, rec)
}

func (t *sqlTx) Remove(ctx context.Context, kind Kind, id string) error {
	_, err := removeRecord(ctx, t.tx, kind, id)
	return err
}

func (t *sqlTx) RemoveAny(ctx context.Context, id string) (Kind, bool, error) {
	for _, spec := range Kinds {
		removed, err := removeRecord(ctx, t.tx, spec.Kind, id)
		if err != nil {
			return "", false, err
		}
		if removed {
			return spec.Kind, true, nil
		}
	}
	return "", false, nil
}

func (t *sqlTx) Cursor(ctx context.Context) (time.Time, bool, error) {
	return readCursor(ctx, t.tx)
}

func (t *sqlTx) SetCursor(ctx context.Context, ts time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO _sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cursorKey, formatStamp(ts))
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

func (t *sqlTx) ClearCursor(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM _sync_state WHERE key = ?`, cursorKey); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// WithTx runs fn in one write transaction. fn's error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withSQLTx(ctx, func(tx *sqlTx) error { return fn(tx) })
}

func (s *Store) withSQLTx(ctx context.Context, fn func(tx *sqlTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Find returns one record.
func (s *Store) Find(ctx context.Context, kind Kind, id string) (Record, error) {
	return findRecord(ctx, s.DB, kind, id)
}

// List returns every local record of kind, pending deletions included.
func (s *Store) List(ctx context.Context, kind Kind) ([]Record, error) {
	mustSpec(kind)
	return queryKind(ctx, s.DB, kind, "")
}

// Dirty returns every record that is not synced, kinds in rank order.
// Statuses that fail to decode come back as pending_update.
func (s *Store) Dirty(ctx context.Context) ([]Record, error) {
	var out []Record
	for _, spec := range Kinds {
		recs, err := queryKind(ctx, s.DB, spec.Kind, `status <> ? AND status NOT LIKE ?`, string(Synced), string(Synced)+statusSeparator+"%")
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// HasPending reports whether any record awaits a push (sync_failed excluded).
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	dirty, err := s.Dirty(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range dirty {
		if r.Sync != SyncFailed {
			return true, nil
		}
	}
	return false, nil
}

// Counts returns the number of records per sync status across all kinds.
func (s *Store) Counts(ctx context.Context) (map[SyncStatus]int, error) {
	out := make(map[SyncStatus]int, len(SyncStatuses))
	for _, spec := range Kinds {
		recs, err := queryKind(ctx, s.DB, spec.Kind, "")
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out[r.Sync]++
		}
	}
	return out, nil
}

// Cursor returns the persisted pull cursor; ok is false before the first pull.
func (s *Store) Cursor(ctx context.Context) (time.Time, bool, error) {
	return readCursor(ctx, s.DB)
}

// ClearCursor forgets the pull cursor so the next pull is a full sync.
func (s *Store) ClearCursor(ctx context.Context) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.ClearCursor(ctx) })
}

// provisionalStamp returns a local edit time never earlier than prev.
func (s *Store) provisionalStamp(prev time.Time) time.Time {
	now := s.Clock().UTC()
	if !prev.IsZero() && !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// Create inserts a new local record as pending_create. An empty ID is filled
// with a random UUID; tasks without a lifecycle start as not_started.
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	spec, ok := rec.Kind.Spec()
	if !ok {
		return Record{}, fmt.Errorf("unknown kind %q", rec.Kind)
	}
	rec = rec.Clone()
	rec.Children = nil
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if spec.ParentField != "" && rec.ParentID() == "" {
		return Record{}, fmt.Errorf("%s requires %s", rec.Kind, spec.ParentField)
	}
	if spec.HasLifecycle {
		if rec.Lifecycle == LifecycleNone {
			rec.Lifecycle = LifecycleNotStarted
		}
	} else {
		rec.Lifecycle = LifecycleNone
	}
	if !rec.Lifecycle.Valid() {
		return Record{}, fmt.Errorf("invalid lifecycle %q", rec.Lifecycle)
	}
	rec.OwnerID = s.OwnerID
	rec.Sync = PendingCreate
	rec.Confirmed = false
	rec.FailedOp = ""
	rec.UpdatedAt = s.provisionalStamp(time.Time{})

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Find(ctx, rec.Kind, rec.ID); err == nil {
			return fmt.Errorf("%s already exists", rec.Ref())
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Put(ctx, rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to create record: %w", err)
	}
	s.logger.Debug("Local record created", "kind", rec.Kind, "id", rec.ID)
	return rec, nil
}

// Update merges fields into a record and sets its lifecycle (LifecycleNone
// keeps the current one). A synced or failed record becomes pending_update;
// pending_create stays pending_create; pending_delete is rejected.
func (s *Store) Update(ctx context.Context, kind Kind, id string, fields map[string]any, lifecycle Lifecycle) (Record, error) {
	spec, ok := kind.Spec()
	if !ok {
		return Record{}, fmt.Errorf("unknown kind %q", kind)
	}
	if lifecycle != LifecycleNone && (!spec.HasLifecycle || !lifecycle.Valid()) {
		return Record{}, fmt.Errorf("invalid lifecycle %q for %s", lifecycle, kind)
	}

	var out Record
	err := s.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.Find(ctx, kind, id)
		if err != nil {
			return err
		}
		if rec.Deleting() {
			return fmt.Errorf("%s: %w", rec.Ref(), ErrPendingDelete)
		}
		switch rec.Sync {
		case Synced, SyncFailed:
			rec.Sync = PendingUpdate
			rec.FailedOp = ""
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		if lifecycle != LifecycleNone {
			rec.Lifecycle = lifecycle
		}
		rec.UpdatedAt = s.provisionalStamp(rec.UpdatedAt)
		out = rec
		return tx.Put(ctx, rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to update record: %w", err)
	}
	s.logger.Debug("Local record updated", "kind", kind, "id", id, "sync", out.Sync)
	return out, nil
}

// Delete marks a record and its nested descendants pending_delete. Deleting
// a record already pending deletion is a no-op.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	err := s.withSQLTx(ctx, func(tx *sqlTx) error {
		rec, err := tx.Find(ctx, kind, id)
		if err != nil {
			return err
		}
		return s.markDeleted(ctx, tx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	s.logger.Debug("Local record deleted", "kind", kind, "id", id)
	return nil
}

func (s *Store) markDeleted(ctx context.Context, tx *sqlTx, rec Record) error {
	spec := mustSpec(rec.Kind)
	if spec.Child != "" {
		childSpec := mustSpec(spec.Child)
		children, err := queryKind(ctx, tx.tx, spec.Child, `json_extract(fields, ?) = ?`, "$."+childSpec.ParentField, rec.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := s.markDeleted(ctx, tx, c); err != nil {
				return err
			}
		}
	}
	if rec.Deleting() {
		return nil
	}
	rec.Sync = PendingDelete
	rec.FailedOp = ""
	rec.UpdatedAt = s.provisionalStamp(rec.UpdatedAt)
	return tx.Put(ctx, rec)
}
