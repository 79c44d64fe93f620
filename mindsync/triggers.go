// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

// Scheduler wakes the coordinator on a cron schedule.
type Scheduler struct {
	coord  *Coordinator
	spec   string
	cron   *cron.Cron
	logger *slog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler validates spec ("@every 5m", "*/10 * * * *", ...) and returns
// a stopped scheduler.
func NewScheduler(coord *Coordinator, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultConfig().Schedule
	}
	s := &Scheduler{
		coord:  coord,
		spec:   spec,
		cron:   cron.New(),
		logger: logger,
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	report := s.coord.SilentSync(ctx, TriggerBackground)
	s.logger.Debug("Background sync tick", "outcome", report.Outcome)
}

// Start begins firing. ctx is passed to every cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Sync scheduler started", "schedule", s.spec)
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
}

// Next returns the next scheduled wake time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RealtimeListener keeps a websocket open to the remote's /realtime endpoint
// and runs a silent sync for every change notice.
type RealtimeListener struct {
	URL        string
	Token      TokenFunc
	BackoffMin time.Duration
	BackoffMax time.Duration
	coord      *Coordinator
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewRealtimeListener builds a listener for the API at baseURL.
func NewRealtimeListener(baseURL string, tok TokenFunc, coord *Coordinator, config *Config, logger *slog.Logger) *RealtimeListener {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &RealtimeListener{
		URL:        realtimeURL(baseURL),
		Token:      tok,
		BackoffMin: config.BackoffMin,
		BackoffMax: config.BackoffMax,
		coord:      coord,
		logger:     logger,
	}
}

func realtimeURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/") + "/realtime"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (l *RealtimeListener) Run(ctx context.Context) error {
	defer l.wg.Wait()
	backoff := l.BackoffMin
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.BackoffMin
		}
		l.logger.Warn("Realtime connection lost", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = backoff * 2
		if backoff > l.BackoffMax {
			backoff = l.BackoffMax
		}
	}
}

// listen holds one connection. connected reports whether the dial succeeded.
func (l *RealtimeListener) listen(ctx context.Context) (connected bool, err error) {
	if l.Token == nil {
		return false, &AuthError{Err: errors.New("no token source configured")}
	}
	token, err := l.Token(ctx)
	if err != nil {
		return false, &AuthError{Err: fmt.Errorf("failed to get JWT token: %w", err)}
	}

	conn, resp, err := websocket.Dial(ctx, l.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && classifyStatus(resp.StatusCode) == KindAuthentication {
			return false, &AuthError{Status: resp.StatusCode, Err: err}
		}
		return false, fmt.Errorf("failed to dial realtime: %w", err)
	}
	defer conn.CloseNow()
	l.logger.Info("Realtime connected", "url", l.URL)

	for {
		var notice mindapi.RealtimeNotice
		if err := wsjson.Read(ctx, conn, &notice); err != nil {
			return true, err
		}
		if notice.Type != mindapi.NoticeChanged {
			continue
		}
		l.logger.Debug("Realtime change notice", "kind", notice.Kind, "id", notice.ID)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.coord.SilentSync(ctx, TriggerRealtime)
		}()
	}
}

// LocalChangeWatcher triggers a silent sync when the database files change on
// disk, e.g. when another process writes to the store. Only changes that leave
// pending records behind fire, so the engine's own writes do not loop.
type LocalChangeWatcher struct {
	Path     string
	Debounce time.Duration
	store    interface {
		HasPending(ctx context.Context) (bool, error)
	}
	coord  *Coordinator
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLocalChangeWatcher watches dbPath. The store is taken from coord's engine.
func NewLocalChangeWatcher(dbPath string, coord *Coordinator, config *Config, logger *slog.Logger) *LocalChangeWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &LocalChangeWatcher{
		Path:     dbPath,
		Debounce: config.Debounce,
		store:    coord.Engine().store,
		coord:    coord,
		logger:   logger,
	}
}

// relevant reports whether name is the database or one of its WAL files.
func (w *LocalChangeWatcher) relevant(name string) bool {
	base := filepath.Base(w.Path)
	n := filepath.Base(name)
	return n == base || n == base+"-wal" || n == base+"-journal"
}

// Run watches until ctx is done.
func (w *LocalChangeWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()
	defer w.wg.Wait()

	dir, err := filepath.Abs(filepath.Dir(w.Path))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.Path, err)
	}
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("Watching local store for changes", "dir", dir)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !w.relevant(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.Debounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Local change watcher error", "error", err)
		case <-timerC:
			timerC = nil
			w.fire(ctx)
		}
	}
}

func (w *LocalChangeWatcher) fire(ctx context.Context) {
	if w.coord.Running() {
		return
	}
	pending, err := w.store.HasPending(ctx)
	if err != nil {
		w.logger.Warn("Failed to check pending records", "error", err)
		return
	}
	if !pending {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.coord.SilentSync(ctx, TriggerLocalChange)
	}()
}
