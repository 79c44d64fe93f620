package mindsync

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

func cycleChannel(coord *Coordinator) <-chan CycleReport {
	ch := make(chan CycleReport, 16)
	coord.OnCycle = func(r CycleReport) {
		select {
		case ch <- r:
		default:
		}
	}
	return ch
}

func waitCycle(t *testing.T, ch <-chan CycleReport, trigger Trigger) CycleReport {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.Trigger == trigger {
				return r
			}
		case <-deadline:
			t.Fatalf("no %s cycle within timeout", trigger)
		}
	}
}

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	coord := NewCoordinator(newFakeEngine(t, newTestStore(t, "user-1"), newFakeRemote(), nil), nil, testLogger())
	_, err := NewScheduler(coord, "every now and then", testLogger())
	require.Error(t, err)
}

func TestSchedulerNext(t *testing.T) {
	coord := NewCoordinator(newFakeEngine(t, newTestStore(t, "user-1"), newFakeRemote(), nil), nil, testLogger())
	s, err := NewScheduler(coord, "@every 1h", testLogger())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()
	next := s.Next()
	require.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestSchedulerRunsBackgroundCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t, "user-1")
	_, err := store.Create(ctx, Record{Kind: KindTask, ID: "t1"})
	require.NoError(t, err)
	remote := newFakeRemote()
	coord := NewCoordinator(newFakeEngine(t, store, remote, nil), nil, testLogger())
	cycles := cycleChannel(coord)

	s, err := NewScheduler(coord, "@every 1s", testLogger())
	require.NoError(t, err)
	s.Start(ctx)
	defer s.Stop()

	report := waitCycle(t, cycles, TriggerBackground)
	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Equal(t, Synced, mustFind(t, store, KindTask, "t1").Sync)
}

func TestRealtimeURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/realtime",
		"https://api.example.com/":   "wss://api.example.com/realtime",
		"https://api.example.com/v1": "wss://api.example.com/v1/realtime",
		"ws://already":               "ws://already/realtime",
	}
	for in, want := range cases {
		require.Equal(t, want, realtimeURL(in), in)
	}
}

func TestRealtimeListenerSyncsOnNotice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := newTestServer(t)
	dev := srv.newDevice(t)
	cycles := cycleChannel(dev.coord)

	listener := NewRealtimeListener(srv.URL, srv.tokenFunc(t, "listener"), dev.coord, nil, testLogger())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return srv.components.Hub.Subscribers(srv.userID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := srv.components.Service.Create(ctx, srv.userID, mindapi.KindTasks, mindapi.Record{
		ID:     "from-web",
		Fields: map[string]any{"title": "Added in the browser"},
	})
	require.NoError(t, err)

	report := waitCycle(t, cycles, TriggerRealtime)
	require.Equal(t, OutcomeSuccess, report.Outcome, "%v", report.Err)
	require.Equal(t, "Added in the browser", mustFind(t, dev.store, KindTask, "from-web").Fields["title"])
}

func TestRealtimeListenerRejectedToken(t *testing.T) {
	srv := newTestServer(t)
	dev := srv.newDevice(t)
	bad := func(context.Context) (string, error) { return "not-a-jwt", nil }
	listener := NewRealtimeListener(srv.URL, bad, dev.coord, nil, testLogger())

	connected, err := listener.listen(context.Background())
	require.False(t, connected)
	require.ErrorIs(t, err, ErrAuthentication)

	listener.Token = nil
	_, err = listener.listen(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestLocalChangeWatcherRelevant(t *testing.T) {
	w := &LocalChangeWatcher{Path: "/data/mind.db"}
	require.True(t, w.relevant("/data/mind.db"))
	require.True(t, w.relevant("/data/mind.db-wal"))
	require.True(t, w.relevant("/data/mind.db-journal"))
	require.False(t, w.relevant("/data/mind.db-shm"))
	require.False(t, w.relevant("/data/other.db"))
}

func newFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mind.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, "user-1", testLogger())
	require.NoError(t, err)
	return store, path
}

func TestLocalChangeWatcherFireNeedsPendingRecords(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	remote := newFakeRemote()
	coord := NewCoordinator(newFakeEngine(t, store, remote, nil), nil, testLogger())
	cycles := cycleChannel(coord)
	w := NewLocalChangeWatcher(path, coord, nil, testLogger())

	w.fire(ctx)
	w.wg.Wait()
	require.Empty(t, cycles)

	_, err := store.Create(ctx, Record{Kind: KindTask, ID: "t1"})
	require.NoError(t, err)
	w.fire(ctx)
	w.wg.Wait()
	report := waitCycle(t, cycles, TriggerLocalChange)
	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Equal(t, []string{"create tasks/t1"}, remote.Calls()[:1])
}

func TestLocalChangeWatcherRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store, path := newFileStore(t)
	coord := NewCoordinator(newFakeEngine(t, store, newFakeRemote(), nil), nil, testLogger())
	cycles := cycleChannel(coord)

	config := DefaultConfig()
	config.Debounce = 20 * time.Millisecond
	w := NewLocalChangeWatcher(path, coord, config, testLogger())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	_, err := store.Create(ctx, Record{Kind: KindTask, ID: "t1"})
	require.NoError(t, err)

	waitCycle(t, cycles, TriggerLocalChange)
	require.Eventually(t, func() bool {
		rec, err := store.Find(ctx, KindTask, "t1")
		return err == nil && rec.Sync == Synced
	}, 5*time.Second, 10*time.Millisecond)
}
