// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	MetricsOpPush  = "push"
	MetricsOpPull  = "pull"
	MetricsOpCycle = "cycle"

	MetricsStageTotal = "total"

	// Pull stages.
	MetricsStagePullFetch = "fetch"
	MetricsStagePullApply = "apply"

	// Result stages carry a record count and no duration.
	MetricsResultSucceeded = "succeeded"
	MetricsResultFailed    = "failed"
	MetricsResultConflict  = "conflict"
	MetricsResultRemoved   = "removed"
	MetricsResultApplied   = "applied"
	MetricsResultDeleted   = "deleted"
	MetricsResultSkipped   = "skipped"
)

// InstrumentationName is the tracer and meter scope.
const InstrumentationName = "github.com/bMacroni/MindClear-sub002/mindsync"

var (
	AttrOperation = attribute.Key("mindsync.op")
	AttrStage     = attribute.Key("mindsync.stage")
	AttrResult    = attribute.Key("mindsync.result")
	AttrTrigger   = attribute.Key("mindsync.trigger")
	AttrOutcome   = attribute.Key("mindsync.outcome")
	AttrError     = attribute.Key("mindsync.error")
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
	// Result is set for result stages only.
	Result bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// OTelRecorder exports stage timings as OpenTelemetry instruments.
type OTelRecorder struct {
	PushRecords   metric.Int64Counter
	PullRecords   metric.Int64Counter
	CycleDuration metric.Float64Histogram
	StageDuration metric.Float64Histogram
}

// NewOTelRecorder creates the instruments from meter. Pass
// otel.GetMeterProvider().Meter(InstrumentationName) for the global provider.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	r := &OTelRecorder{}
	var err error

	r.PushRecords, err = meter.Int64Counter("mindsync.push.records",
		metric.WithDescription("Records processed by the push pipeline by result"),
	)
	if err != nil {
		return nil, err
	}

	r.PullRecords, err = meter.Int64Counter("mindsync.pull.records",
		metric.WithDescription("Records processed by the pull pipeline by result"),
	)
	if err != nil {
		return nil, err
	}

	r.CycleDuration, err = meter.Float64Histogram("mindsync.cycle.duration",
		metric.WithDescription("Sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	r.StageDuration, err = meter.Float64Histogram("mindsync.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ObserveStage implements StageMetricsRecorder.
func (r *OTelRecorder) ObserveStage(ctx context.Context, timing StageTiming) {
	if timing.Result {
		attrs := metric.WithAttributes(AttrResult.String(timing.Stage))
		switch timing.Operation {
		case MetricsOpPush:
			r.PushRecords.Add(ctx, int64(timing.Count), attrs)
		case MetricsOpPull:
			r.PullRecords.Add(ctx, int64(timing.Count), attrs)
		}
		return
	}
	if timing.Operation == MetricsOpCycle && timing.Stage == MetricsStageTotal {
		r.CycleDuration.Record(ctx, timing.Duration.Seconds(), metric.WithAttributes(AttrError.Bool(timing.Error)))
		return
	}
	r.StageDuration.Record(ctx, timing.Duration.Seconds(), metric.WithAttributes(
		AttrOperation.String(timing.Operation),
		AttrStage.String(timing.Stage),
		AttrError.Bool(timing.Error),
	))
}

// instruments bundles the optional recorder, logger flag and tracer an
// engine reports to.
type instruments struct {
	recorder   StageMetricsRecorder
	logTimings bool
	tracer     trace.Tracer
	logger     *slog.Logger
}

func newInstruments(cfg *Config, logger *slog.Logger) *instruments {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(InstrumentationName)
	}
	return &instruments{
		recorder:   cfg.StageMetrics,
		logTimings: cfg.LogStageTimings,
		tracer:     tracer,
		logger:     logger,
	}
}

func (m *instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *instruments) enabled() bool {
	return m != nil && (m.recorder != nil || m.logTimings)
}

func (m *instruments) stageStart() time.Time {
	if !m.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (m *instruments) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	m.emit(ctx, StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	})
}

func (m *instruments) countResult(ctx context.Context, op, result string, count int) {
	if !m.enabled() || count == 0 {
		return
	}
	m.emit(ctx, StageTiming{Operation: op, Stage: result, Count: count, Result: true})
}

func (m *instruments) emit(ctx context.Context, timing StageTiming) {
	if m.recorder != nil {
		m.recorder.ObserveStage(ctx, timing)
	}
	if m.logTimings && m.logger != nil {
		m.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
