package mindsync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	require.NoError(t, initializeDatabase(db))
	// Idempotent.
	require.NoError(t, initializeDatabase(db))

	expected := []string{"_sync_state", "tasks", "goals", "milestones", "steps", "calendar_events"}
	for _, table := range expected {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, []string{"wal", "memory"}, journalMode)
}

func TestNewStoreRequiresOwner(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db, "", nil)
	require.Error(t, err)
}

func TestStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	task, err := store.Create(ctx, Record{Kind: KindTask, Fields: map[string]any{"title": "Write report"}})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, PendingCreate, task.Sync)
	require.Equal(t, LifecycleNotStarted, task.Lifecycle)
	require.Equal(t, "user-1", task.OwnerID)
	require.False(t, task.Confirmed)
	require.False(t, task.UpdatedAt.IsZero())

	got := mustFind(t, store, KindTask, task.ID)
	require.Equal(t, "Write report", got.Fields["title"])
	require.Equal(t, PendingCreate, got.Sync)

	goal, err := store.Create(ctx, Record{Kind: KindGoal, Lifecycle: LifecycleCompleted, Fields: map[string]any{"title": "Run"}})
	require.NoError(t, err)
	require.Equal(t, LifecycleNone, goal.Lifecycle, "only tasks carry a lifecycle")

	_, err = store.Create(ctx, Record{Kind: KindMilestone, Fields: map[string]any{"title": "orphan"}})
	require.Error(t, err, "milestones need goal_id")

	_, err = store.Create(ctx, Record{Kind: KindTask, ID: task.ID})
	require.Error(t, err, "ids are never reused")
}

func TestStoreUpdateTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	created, err := store.Create(ctx, Record{Kind: KindTask, Fields: map[string]any{"title": "a"}})
	require.NoError(t, err)

	// pending_create stays pending_create.
	rec, err := store.Update(ctx, KindTask, created.ID, map[string]any{"title": "b"}, LifecycleInProgress)
	require.NoError(t, err)
	require.Equal(t, PendingCreate, rec.Sync)
	require.Equal(t, LifecycleInProgress, rec.Lifecycle)
	require.True(t, rec.UpdatedAt.After(created.UpdatedAt))

	// synced and sync_failed become pending_update.
	synced := putSynced(t, store, Record{Kind: KindTask, ID: "t-synced", Fields: map[string]any{"title": "s"}})
	rec, err = store.Update(ctx, KindTask, synced.ID, map[string]any{"title": "s2"}, LifecycleNone)
	require.NoError(t, err)
	require.Equal(t, PendingUpdate, rec.Sync)
	require.Equal(t, LifecycleNotStarted, rec.Lifecycle, "LifecycleNone keeps the current lifecycle")
	require.True(t, rec.Confirmed)

	failed := putSynced(t, store, Record{Kind: KindGoal, ID: "g-failed"})
	failed.Sync = SyncFailed
	failed.FailedOp = OpUpdate
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.Put(ctx, failed) }))
	rec, err = store.Update(ctx, KindGoal, failed.ID, map[string]any{"title": "retry"}, LifecycleNone)
	require.NoError(t, err)
	require.Equal(t, PendingUpdate, rec.Sync)
	require.Empty(t, rec.FailedOp)

	// pending_delete is never downgraded.
	require.NoError(t, store.Delete(ctx, KindTask, synced.ID))
	_, err = store.Update(ctx, KindTask, synced.ID, map[string]any{"title": "zombie"}, LifecycleNone)
	require.ErrorIs(t, err, ErrPendingDelete)
	require.Equal(t, PendingDelete, mustFind(t, store, KindTask, synced.ID).Sync)

	_, err = store.Update(ctx, KindGoal, "g-failed", nil, LifecycleCompleted)
	require.Error(t, err, "goals have no lifecycle")

	_, err = store.Update(ctx, KindTask, "missing", nil, LifecycleNone)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateStampNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	future := time.Now().Add(time.Hour).UTC()
	putSynced(t, store, Record{Kind: KindTask, ID: "t1", UpdatedAt: future})

	rec, err := store.Update(ctx, KindTask, "t1", map[string]any{"title": "x"}, LifecycleNone)
	require.NoError(t, err)
	require.True(t, rec.UpdatedAt.After(future))
}

func TestStoreDeleteCascadesToDescendants(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	putSynced(t, store, Record{Kind: KindGoal, ID: "g1"})
	putSynced(t, store, Record{Kind: KindMilestone, ID: "m1", Fields: map[string]any{"goal_id": "g1"}})
	putSynced(t, store, Record{Kind: KindStep, ID: "s1", Fields: map[string]any{"milestone_id": "m1"}})
	putSynced(t, store, Record{Kind: KindMilestone, ID: "m-other", Fields: map[string]any{"goal_id": "g2"}})

	require.NoError(t, store.Delete(ctx, KindGoal, "g1"))
	require.Equal(t, PendingDelete, mustFind(t, store, KindGoal, "g1").Sync)
	require.Equal(t, PendingDelete, mustFind(t, store, KindMilestone, "m1").Sync)
	require.Equal(t, PendingDelete, mustFind(t, store, KindStep, "s1").Sync)
	require.Equal(t, Synced, mustFind(t, store, KindMilestone, "m-other").Sync)

	// Idempotent.
	require.NoError(t, store.Delete(ctx, KindGoal, "g1"))
}

func TestStoreDirtyAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	putSynced(t, store, Record{Kind: KindTask, ID: "clean"})
	_, err := store.Create(ctx, Record{Kind: KindCalendarEvent, ID: "e1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, Record{Kind: KindTask, ID: "t1"})
	require.NoError(t, err)
	_, err = store.Update(ctx, KindTask, "clean", map[string]any{"title": "x"}, LifecycleNone)
	require.NoError(t, err)

	// A legacy status decodes as pending_update and is therefore dirty.
	_, err = store.DB.Exec(`INSERT INTO goals (id, owner_id, status) VALUES ('legacy', 'user-1', 'completed')`)
	require.NoError(t, err)

	dirty, err := store.Dirty(ctx)
	require.NoError(t, err)
	var refs []string
	for _, r := range dirty {
		refs = append(refs, r.Ref().String())
	}
	require.Equal(t, []string{"tasks/t1", "tasks/clean", "goals/legacy", "calendar_events/e1"}, refs)

	legacy := mustFind(t, store, KindGoal, "legacy")
	require.Equal(t, PendingUpdate, legacy.Sync)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[PendingCreate])
	require.Equal(t, 2, counts[PendingUpdate])

	pending, err := store.HasPending(ctx)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestStoreCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	_, ok, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2025, 3, 4, 5, 6, 7, 8000, time.UTC)
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.SetCursor(ctx, at) }))
	got, ok, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, at.Equal(got))

	require.NoError(t, store.ClearCursor(ctx))
	_, ok, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	err := store.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.Put(ctx, Record{Kind: KindTask, ID: "t1", OwnerID: "user-1", Sync: Synced, Lifecycle: LifecycleNotStarted}))
		require.NoError(t, tx.SetCursor(ctx, time.Now()))
		return sql.ErrConnDone
	})
	require.ErrorIs(t, err, sql.ErrConnDone)

	_, err = store.Find(ctx, KindTask, "t1")
	require.ErrorIs(t, err, ErrNotFound)
	_, ok, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
