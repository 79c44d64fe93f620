package mindsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

func TestDispatch(t *testing.T) {
	cases := []struct {
		name      string
		rec       Record
		op        Op
		localOnly bool
	}{
		{"pending create", Record{Sync: PendingCreate}, OpCreate, false},
		{"pending update confirmed", Record{Sync: PendingUpdate, Confirmed: true}, OpUpdate, false},
		{"pending update never confirmed", Record{Sync: PendingUpdate}, OpCreate, false},
		{"pending delete confirmed", Record{Sync: PendingDelete, Confirmed: true}, OpDelete, false},
		{"pending delete never confirmed", Record{Sync: PendingDelete}, OpDelete, true},
		{"failed create", Record{Sync: SyncFailed, FailedOp: OpCreate}, OpCreate, false},
		{"failed update", Record{Sync: SyncFailed, FailedOp: OpUpdate, Confirmed: true}, OpUpdate, false},
		{"failed delete", Record{Sync: SyncFailed, FailedOp: OpDelete, Confirmed: true}, OpDelete, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, localOnly := dispatch(tc.rec)
			require.Equal(t, tc.op, op)
			require.Equal(t, tc.localOnly, localOnly)
		})
	}
}

func TestPushScenarioA_CreateTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	remote := newFakeRemote()
	var sent mindapi.Record
	remote.create = func(kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
		sent = rec
		return &mindapi.Record{ID: rec.ID, UpdatedAt: "2025-01-01T00:00:00Z", Status: rec.Status, Fields: rec.Fields}, nil
	}
	engine := newFakeEngine(t, store, remote, nil)

	task, err := store.Create(ctx, Record{Kind: KindTask, ID: "T1", Fields: map[string]any{"title": "Call mom"}})
	require.NoError(t, err)
	require.Equal(t, PendingCreate, task.Sync)

	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{{Kind: KindTask, ID: "T1"}}, report.Succeeded)
	require.Empty(t, report.Failed)

	require.Equal(t, "T1", sent.ID)
	require.Equal(t, "Call mom", sent.Fields["title"])
	require.Equal(t, string(LifecycleNotStarted), sent.Status)
	require.NotEmpty(t, sent.ClientUpdatedAt)

	got := mustFind(t, store, KindTask, "T1")
	require.Equal(t, Synced, got.Sync)
	require.True(t, got.Confirmed)
	require.True(t, got.UpdatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPushScenarioB_ConflictTakesServerRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	putSynced(t, store, Record{Kind: KindCalendarEvent, ID: "E", UpdatedAt: t0, Fields: map[string]any{
		"title":      "Dentist",
		"start_time": "2025-02-01T09:00:00Z",
		"location":   "Main St",
	}})
	store.Clock = func() time.Time { return t0.Add(time.Minute) }
	_, err := store.Update(ctx, KindCalendarEvent, "E", map[string]any{"title": "Dentist (moved)"}, LifecycleNone)
	require.NoError(t, err)

	server := mindapi.Record{
		ID:        "E",
		UserID:    "user-1",
		UpdatedAt: mindapi.FormatTime(t1),
		Fields: map[string]any{
			"title":      "Dentist with Sam",
			"start_time": "2025-02-01T10:00:00Z",
			"end_time":   "2025-02-01T11:00:00Z",
		},
	}
	remote := newFakeRemote()
	remote.update = func(kind Kind, id string, rec mindapi.Record) (*mindapi.Record, error) {
		return nil, &ConflictError{ServerRecord: &server}
	}
	engine := newFakeEngine(t, store, remote, nil)

	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{{Kind: KindCalendarEvent, ID: "E"}}, report.Conflicts)
	require.Equal(t, []string{"update calendar_events/E"}, remote.Calls())

	got := mustFind(t, store, KindCalendarEvent, "E")
	require.Equal(t, Synced, got.Sync)
	require.True(t, got.UpdatedAt.Equal(t1))
	require.Equal(t, server.Fields, got.Fields, "local copy matches the server snapshot exactly")
}

func TestPushScenarioC_DeleteSyncedGoal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	putSynced(t, store, Record{Kind: KindGoal, ID: "G", Fields: map[string]any{"title": "Learn Go"}})
	require.NoError(t, store.Delete(ctx, KindGoal, "G"))
	require.Equal(t, PendingDelete, mustFind(t, store, KindGoal, "G").Sync)

	remote := newFakeRemote()
	engine := newFakeEngine(t, store, remote, nil)
	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{{Kind: KindGoal, ID: "G"}}, report.Succeeded)
	require.Equal(t, []string{"delete goals/G"}, remote.Calls())

	_, err = store.Find(ctx, KindGoal, "G")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPushDeleteOfNeverPushedRecordStaysLocal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	task, err := store.Create(ctx, Record{Kind: KindTask, Fields: map[string]any{"title": "oops"}})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, KindTask, task.ID))

	remote := newFakeRemote()
	engine := newFakeEngine(t, store, remote, nil)
	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Empty(t, remote.Calls(), "the remote never saw the record")
	require.Equal(t, []RecordRef{task.Ref()}, report.Removed)

	_, err = store.Find(ctx, KindTask, task.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPushAuthFailureAbortsPass(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	for i := 0; i < 3; i++ {
		store.Clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC) }
		_, err := store.Create(ctx, Record{Kind: KindTask, ID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	remote := newFakeRemote()
	calls := 0
	remote.create = func(kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
		calls++
		if calls == 2 {
			return nil, &AuthError{Status: 401}
		}
		return remote.echo(rec), nil
	}
	engine := newFakeEngine(t, store, remote, nil)

	report, err := engine.Push(ctx)
	require.ErrorIs(t, err, ErrAuthentication)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, 2, calls, "nothing is attempted after the auth failure")
	require.Equal(t, []RecordRef{{Kind: KindTask, ID: "t0"}}, report.Succeeded)
	require.Empty(t, report.Failed)

	require.Equal(t, Synced, mustFind(t, store, KindTask, "t0").Sync)
	require.Equal(t, PendingCreate, mustFind(t, store, KindTask, "t1").Sync)
	require.Equal(t, PendingCreate, mustFind(t, store, KindTask, "t2").Sync)
}

func TestPushFailureMarksSyncFailedAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	_, err := store.Create(ctx, Record{Kind: KindTask, ID: "bad", Fields: map[string]any{"title": "keep me"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, Record{Kind: KindTask, ID: "good"})
	require.NoError(t, err)

	remote := newFakeRemote()
	failing := true
	remote.create = func(kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
		if rec.ID == "bad" && failing {
			return nil, &RemoteError{Kind: KindTransient, Status: 503, Body: "unavailable"}
		}
		return remote.echo(rec), nil
	}
	engine := newFakeEngine(t, store, remote, nil)

	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	require.Equal(t, RecordRef{Kind: KindTask, ID: "bad"}, report.Failed[0].Ref)
	require.Equal(t, KindTransient, report.Failed[0].Kind)
	require.Equal(t, OpCreate, report.Failed[0].Op)
	require.Equal(t, []RecordRef{{Kind: KindTask, ID: "good"}}, report.Succeeded)

	bad := mustFind(t, store, KindTask, "bad")
	require.Equal(t, SyncFailed, bad.Sync)
	require.Equal(t, OpCreate, bad.FailedOp)
	require.Equal(t, "keep me", bad.Fields["title"])

	failing = false
	report, err = engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{{Kind: KindTask, ID: "bad"}}, report.Succeeded)
	require.Equal(t, Synced, mustFind(t, store, KindTask, "bad").Sync)
}

func TestPushOrdersParentsFirstAndDeletesChildrenFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")

	putSynced(t, store, Record{Kind: KindGoal, ID: "gd"})
	putSynced(t, store, Record{Kind: KindMilestone, ID: "md", Fields: map[string]any{"goal_id": "gd"}})
	require.NoError(t, store.Delete(ctx, KindGoal, "gd"))

	_, err := store.Create(ctx, Record{Kind: KindStep, ID: "s", Fields: map[string]any{"milestone_id": "m"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, Record{Kind: KindMilestone, ID: "m", Fields: map[string]any{"goal_id": "g"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, Record{Kind: KindGoal, ID: "g"})
	require.NoError(t, err)
	_, err = store.Create(ctx, Record{Kind: KindTask, ID: "t"})
	require.NoError(t, err)

	remote := newFakeRemote()
	engine := newFakeEngine(t, store, remote, nil)
	_, err = engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"create tasks/t",
		"create goals/g",
		"create milestones/m",
		"create steps/s",
		"delete milestones/md",
		"delete goals/gd",
	}, remote.Calls())
}

func TestPushKeepsEditMadeDuringRequest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	_, err := store.Create(ctx, Record{Kind: KindTask, ID: "t1", Fields: map[string]any{"title": "v1"}})
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.create = func(kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
		_, err := store.Update(ctx, KindTask, "t1", map[string]any{"title": "v2"}, LifecycleNone)
		require.NoError(t, err)
		return remote.echo(rec), nil
	}
	engine := newFakeEngine(t, store, remote, nil)

	_, err = engine.Push(ctx)
	require.NoError(t, err)

	got := mustFind(t, store, KindTask, "t1")
	require.Equal(t, PendingUpdate, got.Sync, "the newer edit is still queued")
	require.True(t, got.Confirmed)
	require.Equal(t, "v2", got.Fields["title"])
	require.True(t, got.UpdatedAt.After(remote.stamp))

	// The follow-up push sends it as an update.
	remote.create = nil
	_, err = engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, "update tasks/t1", remote.Calls()[len(remote.Calls())-1])
	require.Equal(t, Synced, mustFind(t, store, KindTask, "t1").Sync)
}

func TestPushParallelWithinLevel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	for i := 0; i < 10; i++ {
		_, err := store.Create(ctx, Record{Kind: KindTask, Fields: map[string]any{"n": i}})
		require.NoError(t, err)
	}
	config := DefaultConfig()
	config.PushConcurrency = 4
	engine := newFakeEngine(t, store, newFakeRemote(), config)

	report, err := engine.Push(ctx)
	require.NoError(t, err)
	require.Len(t, report.Succeeded, 10)

	dirty, err := store.Dirty(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestPushParallelAuthAbort(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "user-1")
	for i := 0; i < 6; i++ {
		_, err := store.Create(ctx, Record{Kind: KindTask})
		require.NoError(t, err)
	}
	remote := newFakeRemote()
	remote.create = func(kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
		return nil, &AuthError{Status: 401}
	}
	config := DefaultConfig()
	config.PushConcurrency = 3
	engine := newFakeEngine(t, store, remote, config)

	report, err := engine.Push(ctx)
	require.ErrorIs(t, err, ErrAuthentication)
	require.Empty(t, report.Succeeded)
	require.Empty(t, report.Failed)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, counts[PendingCreate])
}

func TestPushAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	dev := srv.newDevice(t)

	task, err := dev.store.Create(ctx, Record{Kind: KindTask, Fields: map[string]any{"title": "Buy milk"}})
	require.NoError(t, err)
	goal, err := dev.store.Create(ctx, Record{Kind: KindGoal, Fields: map[string]any{"title": "Fitness"}})
	require.NoError(t, err)
	ms, err := dev.store.Create(ctx, Record{Kind: KindMilestone, Fields: map[string]any{"goal_id": goal.ID, "title": "5k"}})
	require.NoError(t, err)

	report, err := dev.engine.Push(ctx)
	require.NoError(t, err)
	require.Len(t, report.Succeeded, 3)

	stored := mustFind(t, dev.store, KindTask, task.ID)
	require.Equal(t, Synced, stored.Sync)

	// Lifecycle change travels as status.
	_, err = dev.store.Update(ctx, KindTask, task.ID, nil, LifecycleCompleted)
	require.NoError(t, err)
	_, err = dev.engine.Push(ctx)
	require.NoError(t, err)
	changes, err := srv.components.Service.Changes(ctx, srv.userID, mindapi.KindTasks, nil)
	require.NoError(t, err)
	require.Len(t, changes.Changed, 1)
	require.Equal(t, mindapi.LifecycleCompleted, changes.Changed[0].Status)

	// Delete of a record the server already lost counts as done.
	require.NoError(t, srv.components.Service.Delete(ctx, srv.userID, mindapi.KindMilestones, ms.ID, mindapi.Record{}))
	require.NoError(t, dev.store.Delete(ctx, KindMilestone, ms.ID))
	report, err = dev.engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{ms.Ref()}, report.Succeeded)
	_, err = dev.store.Find(ctx, KindMilestone, ms.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPushConflictAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := srv.newDevice(t)
	b := srv.newDevice(t)

	ev, err := a.store.Create(ctx, Record{Kind: KindCalendarEvent, Fields: map[string]any{"title": "Standup"}})
	require.NoError(t, err)
	_, err = a.engine.Push(ctx)
	require.NoError(t, err)
	_, err = b.engine.Pull(ctx)
	require.NoError(t, err)

	// A edits first (offline), B edits later and pushes.
	_, err = a.store.Update(ctx, KindCalendarEvent, ev.ID, map[string]any{"title": "Standup A"}, LifecycleNone)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = b.store.Update(ctx, KindCalendarEvent, ev.ID, map[string]any{"title": "Standup B"}, LifecycleNone)
	require.NoError(t, err)
	_, err = b.engine.Push(ctx)
	require.NoError(t, err)

	report, err := a.engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, []RecordRef{ev.Ref()}, report.Conflicts)

	gotA := mustFind(t, a.store, KindCalendarEvent, ev.ID)
	gotB := mustFind(t, b.store, KindCalendarEvent, ev.ID)
	require.Equal(t, Synced, gotA.Sync)
	require.Equal(t, "Standup B", gotA.Fields["title"])
	require.True(t, gotA.UpdatedAt.Equal(gotB.UpdatedAt))
}
