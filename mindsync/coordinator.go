// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// Trigger names what asked for a sync cycle.
type Trigger string

const (
	TriggerForeground  Trigger = "foreground"
	TriggerRealtime    Trigger = "realtime"
	TriggerBackground  Trigger = "background"
	TriggerManual      Trigger = "manual"
	TriggerLocalChange Trigger = "local_change"
)

// Outcome is the overall result of a cycle.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeAuthAborted    Outcome = "auth_aborted"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
)

// CycleReport describes one coordinator invocation.
type CycleReport struct {
	Trigger Trigger
	Push    *PushReport
	Pull    *PullReport
	Outcome Outcome
	// Skipped is set when the request was dropped because a cycle was running.
	Skipped  bool
	Err      error
	Duration time.Duration
}

// Summary renders the user-facing one-line cycle summary.
func (r CycleReport) Summary() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return "Sync complete"
	case OutcomePartialFailure:
		return fmt.Sprintf("Sync finished with %d failed change(s)", len(r.Push.Failed))
	case OutcomeAuthAborted:
		return "Sync stopped: please sign in again"
	case OutcomeSkipped:
		return "Sync already in progress"
	default:
		return fmt.Sprintf("Sync failed: %v", r.Err)
	}
}

// Notifier receives a summary after each non-silent cycle.
type Notifier interface {
	NotifySummary(ctx context.Context, report CycleReport)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, report CycleReport)

func (f NotifierFunc) NotifySummary(ctx context.Context, report CycleReport) { f(ctx, report) }

// LogNotifier writes cycle summaries to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifySummary(_ context.Context, report CycleReport) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if report.Outcome != OutcomeSuccess && report.Outcome != OutcomeSkipped {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, report.Summary(),
		"trigger", report.Trigger,
		"outcome", report.Outcome,
		"duration", report.Duration)
}

// Coordinator serializes sync cycles. At most one cycle runs at a time;
// requests arriving meanwhile are dropped, not queued.
type Coordinator struct {
	engine   *Engine
	notifier Notifier
	logger   *slog.Logger
	running  atomic.Bool
	// OnCycle is called after every completed or skipped cycle, silent ones
	// included.
	OnCycle func(report CycleReport)
}

// NewCoordinator wraps engine. A nil notifier uses LogNotifier.
func NewCoordinator(engine *Engine, notifier Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Coordinator{engine: engine, notifier: notifier, logger: logger}
}

// Engine returns the wrapped engine.
func (c *Coordinator) Engine() *Engine { return c.engine }

// Running reports whether a cycle is in flight.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Sync runs push then pull and notifies the summary.
func (c *Coordinator) Sync(ctx context.Context, trigger Trigger) CycleReport {
	report := c.run(ctx, trigger, false)
	if !report.Skipped {
		c.notifier.NotifySummary(ctx, report)
	}
	return report
}

// SilentSync runs a cycle without notifying.
func (c *Coordinator) SilentSync(ctx context.Context, trigger Trigger) CycleReport {
	return c.run(ctx, trigger, false)
}

// ForceFullResync clears the pull cursor and pulls everything. Local pending
// changes are left for the next regular cycle.
func (c *Coordinator) ForceFullResync(ctx context.Context) CycleReport {
	report := c.run(ctx, TriggerManual, true)
	if !report.Skipped {
		c.notifier.NotifySummary(ctx, report)
	}
	return report
}

func (c *Coordinator) run(ctx context.Context, trigger Trigger, fullResync bool) CycleReport {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("Sync request dropped: cycle in flight", "trigger", trigger)
		report := CycleReport{Trigger: trigger, Outcome: OutcomeSkipped, Skipped: true, Err: ErrCycleInFlight}
		c.finish(report)
		return report
	}
	defer c.running.Store(false)

	e := c.engine
	ctx, span := e.inst.startSpan(ctx, "mindsync.cycle", AttrTrigger.String(string(trigger)))
	defer span.End()
	start := time.Now()
	metricsStart := e.inst.stageStart()

	report := CycleReport{Trigger: trigger}
	if fullResync {
		report.Pull, report.Err = c.resync(ctx)
	} else {
		report.Push, report.Err = e.Push(ctx)
		if report.Err == nil {
			report.Pull, report.Err = e.Pull(ctx)
		}
	}
	report.Duration = time.Since(start)
	report.Outcome = outcomeOf(report)

	span.SetAttributes(AttrOutcome.String(string(report.Outcome)))
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
	}
	e.inst.observeStage(ctx, MetricsOpCycle, MetricsStageTotal, metricsStart, report.Push.Attempted(), report.Err != nil)

	c.logger.Info("Sync cycle finished",
		"trigger", trigger,
		"outcome", report.Outcome,
		"duration", report.Duration)
	c.finish(report)
	return report
}

func (c *Coordinator) resync(ctx context.Context) (*PullReport, error) {
	if err := c.engine.store.ClearCursor(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear cursor: %w", err)
	}
	return c.engine.Pull(ctx)
}

func (c *Coordinator) finish(report CycleReport) {
	if c.OnCycle != nil {
		c.OnCycle(report)
	}
}

func outcomeOf(r CycleReport) Outcome {
	switch {
	case errors.Is(r.Err, ErrAuthentication):
		return OutcomeAuthAborted
	case r.Err != nil:
		return OutcomeFailed
	case r.Push != nil && len(r.Push.Failed) > 0:
		return OutcomePartialFailure
	default:
		return OutcomeSuccess
	}
}
