// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PullReport summarizes one pull pass.
type PullReport struct {
	Applied int
	Deleted int
	// Skipped counts pulled records rejected by local validation.
	Skipped   int
	NewCursor time.Time
	// Full is set when no cursor existed and whole collections were fetched.
	Full bool
}

// Pull fetches remote changes since the persisted cursor and applies them in
// one transaction: deletions first, then unconditional upserts, then the
// cursor moves to the time captured before the first request. Any fetch or
// apply failure leaves the store and the cursor untouched.
func (e *Engine) Pull(ctx context.Context) (*PullReport, error) {
	ctx, span := e.inst.startSpan(ctx, "mindsync.pull")
	defer span.End()
	start := e.inst.stageStart()

	report, err := e.pull(ctx)

	count := 0
	if report != nil {
		count = report.Applied + report.Deleted
		e.inst.countResult(ctx, MetricsOpPull, MetricsResultApplied, report.Applied)
		e.inst.countResult(ctx, MetricsOpPull, MetricsResultDeleted, report.Deleted)
		e.inst.countResult(ctx, MetricsOpPull, MetricsResultSkipped, report.Skipped)
		span.SetAttributes(
			attribute.Int("mindsync.pull.applied", report.Applied),
			attribute.Int("mindsync.pull.deleted", report.Deleted),
			attribute.Bool("mindsync.pull.full", report.Full),
		)
	}
	e.inst.observeStage(ctx, MetricsOpPull, MetricsStageTotal, start, count, err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (e *Engine) pull(ctx context.Context) (*PullReport, error) {
	requestTime := e.config.Clock().UTC()

	cursor, ok, err := e.store.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	var since *time.Time
	if ok {
		since = &cursor
	}
	report := &PullReport{Full: since == nil, NewCursor: requestTime}

	fetchStart := e.inst.stageStart()
	var changed []Record
	var deleted []string
	kept := make(map[string]struct{})
	for _, spec := range Kinds {
		if !spec.TopLevel {
			continue
		}
		changes, err := e.remote.Changes(ctx, spec.Kind, since)
		if err != nil {
			e.inst.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, 0, true)
			return nil, fmt.Errorf("failed to fetch %s: %w", spec.Kind, err)
		}
		skip := func(applyErr *ApplyError) {
			e.skip(applyErr)
			report.Skipped++
			if applyErr.ID != "" {
				kept[applyErr.ID] = struct{}{}
			}
			if applyErr.ParentID != "" {
				kept[applyErr.ParentID] = struct{}{}
			}
		}
		for _, de := range changes.Invalid {
			skip(&ApplyError{Kind: spec.Kind, ID: de.ID, Err: de})
		}
		for _, w := range changes.Changed {
			rec, ok, errs := fromWire(spec.Kind, w, "", e.ownerID)
			for _, applyErr := range errs {
				skip(applyErr)
			}
			if ok {
				changed = append(changed, rec)
			}
		}
		deleted = append(deleted, changes.Deleted...)
	}
	e.inst.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, len(changed)+len(deleted), false)

	applyStart := e.inst.stageStart()
	err = e.store.WithTx(ctx, func(tx Tx) error {
		for _, id := range deleted {
			kind, removed, err := tx.RemoveAny(ctx, id)
			if err != nil {
				return err
			}
			if removed {
				report.Deleted++
				e.logger.Debug("Pulled deletion", "kind", kind, "id", id)
			}
		}
		for _, rec := range changed {
			if err := e.upsertTree(ctx, tx, rec, report); err != nil {
				return err
			}
		}
		if report.Full {
			if err := e.pruneMissing(ctx, tx, changed, kept, report); err != nil {
				return err
			}
		}
		return tx.SetCursor(ctx, requestTime)
	})
	e.inst.observeStage(ctx, MetricsOpPull, MetricsStagePullApply, applyStart, report.Applied, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to apply pulled changes: %w", err)
	}

	e.logger.Debug("Pull applied",
		"applied", report.Applied,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"full", report.Full,
		"cursor", requestTime)
	return report, nil
}

func (e *Engine) skip(err *ApplyError) {
	if errors.Is(err, errForeignOwner) {
		e.logger.Warn("Skipping pulled record owned by another user", "kind", err.Kind, "id", err.ID)
		return
	}
	e.logger.Warn("Skipping malformed pulled record", "kind", err.Kind, "id", err.ID, "error", err.Err)
}

// upsertTree writes rec and its nested children as synced.
func (e *Engine) upsertTree(ctx context.Context, tx Tx, rec Record, report *PullReport) error {
	existing, err := tx.Find(ctx, rec.Kind, rec.ID)
	switch {
	case err == nil:
		if IsDirty(existing) && !existing.UpdatedAt.Equal(rec.UpdatedAt) {
			e.logger.Warn("Pull overwrote a record with unpushed local changes",
				"ref", rec.Ref().String(), "local_sync", existing.Sync)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	children := rec.Children
	rec.Children = nil
	if err := tx.Put(ctx, rec); err != nil {
		return err
	}
	report.Applied++
	for _, child := range children {
		if err := e.upsertTree(ctx, tx, child, report); err != nil {
			return err
		}
	}
	return nil
}

// pruneMissing removes clean local records the full collection no longer
// contains. Dirty records are kept for the next push; skipped records and
// their descendants keep their local value, as do the local children of a
// parent whose pulled child list had a skipped element.
func (e *Engine) pruneMissing(ctx context.Context, tx Tx, changed []Record, kept map[string]struct{}, report *PullReport) error {
	seen := make(map[RecordRef]struct{})
	var walk func(recs []Record)
	walk = func(recs []Record) {
		for _, r := range recs {
			seen[r.Ref()] = struct{}{}
			walk(r.Children)
		}
	}
	walk(changed)

	for _, spec := range Kinds {
		local, err := tx.List(ctx, spec.Kind)
		if err != nil {
			return err
		}
		for _, r := range local {
			if _, ok := seen[r.Ref()]; ok || IsDirty(r) {
				continue
			}
			if _, ok := kept[r.ID]; ok {
				continue
			}
			if parent := r.ParentID(); parent != "" {
				if _, ok := kept[parent]; ok {
					kept[r.ID] = struct{}{}
					continue
				}
			}
			if err := tx.Remove(ctx, r.Kind, r.ID); err != nil {
				return err
			}
			report.Deleted++
		}
	}
	return nil
}
