package mindsync

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

const testJWTSecret = "test-secret-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestStore opens a private in-memory database. A single connection keeps
// every query on the same in-memory database.
func newTestStore(t *testing.T, ownerID string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, ownerID, testLogger())
	require.NoError(t, err)
	return store
}

// testServer is an in-process remote backed by a memory store.
type testServer struct {
	*httptest.Server
	components *mindapi.ServerComponents
	userID     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	components := mindapi.SetupServer(&mindapi.ServerConfig{
		Store:     mindapi.NewMemoryStore(),
		JWTSecret: testJWTSecret,
		Logger:    testLogger(),
	})
	srv := httptest.NewServer(components.Handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, components: components, userID: "user-" + uuid.New().String()}
}

func (s *testServer) tokenFunc(t *testing.T, deviceID string) TokenFunc {
	t.Helper()
	token, err := s.components.JWTAuth.GenerateToken(s.userID, deviceID, time.Hour)
	require.NoError(t, err)
	return func(context.Context) (string, error) { return token, nil }
}

// device is one client: its own local store and engine against the server.
type device struct {
	store  *Store
	engine *Engine
	coord  *Coordinator
}

func (s *testServer) newDevice(t *testing.T) *device {
	t.Helper()
	store := newTestStore(t, s.userID)
	remote := NewHTTPRemote(s.URL, s.tokenFunc(t, "device-"+uuid.New().String()), testLogger())
	engine, err := NewEngine(store, remote, s.userID, nil, testLogger())
	require.NoError(t, err)
	return &device{store: store, engine: engine, coord: NewCoordinator(engine, nil, testLogger())}
}

// fakeRemote scripts remote behavior for pipeline tests.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	stamp time.Time

	create  func(kind Kind, rec mindapi.Record) (*mindapi.Record, error)
	update  func(kind Kind, id string, rec mindapi.Record) (*mindapi.Record, error)
	delete  func(kind Kind, id string, rec mindapi.Record) error
	changes func(kind Kind, since *time.Time) (*mindapi.ChangeSet, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{stamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) echo(rec mindapi.Record) *mindapi.Record {
	out := rec
	out.ClientUpdatedAt = ""
	out.UpdatedAt = mindapi.FormatTime(f.stamp)
	return &out
}

func (f *fakeRemote) Create(_ context.Context, kind Kind, rec mindapi.Record) (*mindapi.Record, error) {
	f.record("create " + string(kind) + "/" + rec.ID)
	if f.create != nil {
		return f.create(kind, rec)
	}
	return f.echo(rec), nil
}

func (f *fakeRemote) Update(_ context.Context, kind Kind, id string, rec mindapi.Record) (*mindapi.Record, error) {
	f.record("update " + string(kind) + "/" + id)
	if f.update != nil {
		return f.update(kind, id, rec)
	}
	return f.echo(rec), nil
}

func (f *fakeRemote) Delete(_ context.Context, kind Kind, id string, rec mindapi.Record) error {
	f.record("delete " + string(kind) + "/" + id)
	if f.delete != nil {
		return f.delete(kind, id, rec)
	}
	return nil
}

func (f *fakeRemote) Changes(_ context.Context, kind Kind, since *time.Time) (*mindapi.ChangeSet, error) {
	f.record("changes " + string(kind))
	if f.changes != nil {
		return f.changes(kind, since)
	}
	return &mindapi.ChangeSet{Changed: []mindapi.Record{}, Deleted: []string{}, Full: since == nil}, nil
}

func newFakeEngine(t *testing.T, store *Store, remote Remote, config *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(store, remote, store.OwnerID, config, testLogger())
	require.NoError(t, err)
	return engine
}

// putSynced seeds a record as if a previous pull had stored it.
func putSynced(t *testing.T, store *Store, rec Record) Record {
	t.Helper()
	if rec.OwnerID == "" {
		rec.OwnerID = store.OwnerID
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if spec := mustSpec(rec.Kind); spec.HasLifecycle && rec.Lifecycle == LifecycleNone {
		rec.Lifecycle = LifecycleNotStarted
	}
	rec.Sync = Synced
	rec.Confirmed = true
	require.NoError(t, store.WithTx(context.Background(), func(tx Tx) error { return tx.Put(context.Background(), rec) }))
	return rec
}

func mustFind(t *testing.T, store *Store, kind Kind, id string) Record {
	t.Helper()
	rec, err := store.Find(context.Background(), kind, id)
	require.NoError(t, err)
	return rec
}
