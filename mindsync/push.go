// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bMacroni/MindClear-sub002/mindapi"
)

// PushFailure is a record the remote rejected. The record is left
// sync_failed with its fields untouched.
type PushFailure struct {
	Ref  RecordRef
	Op   Op
	Kind ErrorKind
	Err  error
}

// PushReport summarizes one push pass.
type PushReport struct {
	Succeeded []RecordRef
	Failed    []PushFailure
	// Conflicts were resolved by taking the server snapshot.
	Conflicts []RecordRef
	// Removed were deleted locally without a remote call because the remote
	// never saw them.
	Removed []RecordRef
}

// Attempted returns the number of records the pass looked at.
func (r *PushReport) Attempted() int {
	if r == nil {
		return 0
	}
	return len(r.Succeeded) + len(r.Failed) + len(r.Conflicts) + len(r.Removed)
}

type pushResult int

const (
	pushSucceeded pushResult = iota
	pushConflict
	pushRemoved
	pushFailed
	pushSkipped
)

// dispatch picks the remote operation for a dirty record. localOnly means a
// delete of a record the remote never stamped.
func dispatch(rec Record) (op Op, localOnly bool) {
	if rec.Deleting() {
		return OpDelete, !rec.Confirmed
	}
	if rec.Sync == PendingCreate || !rec.Confirmed {
		return OpCreate, false
	}
	return OpUpdate, false
}

// pushWaves orders dirty records into sequential waves: creates and updates
// parents first, then deletes children first. Records within a wave are
// independent of each other.
func pushWaves(dirty []Record) [][]Record {
	type waveKey struct {
		delete bool
		rank   int
	}
	groups := make(map[waveKey][]Record)
	var keys []waveKey
	for _, rec := range dirty {
		k := waveKey{delete: rec.Deleting(), rank: mustSpec(rec.Kind).Rank}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], rec)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.delete != b.delete {
			return !a.delete
		}
		if a.delete {
			return a.rank > b.rank
		}
		return a.rank < b.rank
	})
	waves := make([][]Record, 0, len(keys))
	for _, k := range keys {
		waves = append(waves, groups[k])
	}
	return waves
}

// Push sends every dirty record to the remote and reconciles each one in its
// own local transaction. An authentication failure stops the pass at once and
// is returned as *AuthError; records not yet attempted keep their status.
func (e *Engine) Push(ctx context.Context) (*PushReport, error) {
	ctx, span := e.inst.startSpan(ctx, "mindsync.push")
	defer span.End()
	start := e.inst.stageStart()

	report := &PushReport{}
	err := e.push(ctx, report)

	e.inst.observeStage(ctx, MetricsOpPush, MetricsStageTotal, start, report.Attempted(), err != nil)
	e.inst.countResult(ctx, MetricsOpPush, MetricsResultSucceeded, len(report.Succeeded))
	e.inst.countResult(ctx, MetricsOpPush, MetricsResultFailed, len(report.Failed))
	e.inst.countResult(ctx, MetricsOpPush, MetricsResultConflict, len(report.Conflicts))
	e.inst.countResult(ctx, MetricsOpPush, MetricsResultRemoved, len(report.Removed))
	span.SetAttributes(
		attribute.Int("mindsync.push.succeeded", len(report.Succeeded)),
		attribute.Int("mindsync.push.failed", len(report.Failed)),
		attribute.Int("mindsync.push.conflicts", len(report.Conflicts)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (e *Engine) push(ctx context.Context, report *PushReport) error {
	dirty, err := e.store.Dirty(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dirty records: %w", err)
	}
	if len(dirty) == 0 {
		return nil
	}
	e.logger.Debug("Push started", "dirty", len(dirty))

	var mu sync.Mutex
	record := func(rec Record, op Op, res pushResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch res {
		case pushSucceeded:
			report.Succeeded = append(report.Succeeded, rec.Ref())
		case pushConflict:
			report.Conflicts = append(report.Conflicts, rec.Ref())
		case pushRemoved:
			report.Removed = append(report.Removed, rec.Ref())
		case pushFailed:
			report.Failed = append(report.Failed, PushFailure{Ref: rec.Ref(), Op: op, Kind: ClassifyError(err), Err: err})
		}
	}

	for _, wave := range pushWaves(dirty) {
		if e.config.PushConcurrency <= 1 || len(wave) == 1 {
			for _, rec := range wave {
				if err := ctx.Err(); err != nil {
					return err
				}
				op, res, err := e.pushOne(ctx, rec)
				if errors.Is(err, ErrAuthentication) {
					e.logger.Warn("Push aborted: authentication failed", "ref", rec.Ref().String(), "error", err)
					return err
				}
				if res == pushSkipped && err != nil {
					return err
				}
				record(rec, op, res, err)
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.PushConcurrency)
		for _, rec := range wave {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return nil
				}
				op, res, err := e.pushOne(gctx, rec)
				if errors.Is(err, ErrAuthentication) {
					return err
				}
				if res == pushSkipped && err != nil {
					return err
				}
				record(rec, op, res, err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, ErrAuthentication) {
				e.logger.Warn("Push aborted: authentication failed", "error", err)
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// pushOne sends one record and reconciles the outcome locally. pushSkipped
// with an error means nothing was recorded and the pass must stop.
func (e *Engine) pushOne(ctx context.Context, rec Record) (Op, pushResult, error) {
	op, localOnly := dispatch(rec)
	if localOnly {
		err := e.store.WithTx(ctx, func(tx Tx) error {
			current, err := tx.Find(ctx, rec.Kind, rec.ID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !current.Deleting() || current.Confirmed {
				return nil
			}
			return tx.Remove(ctx, rec.Kind, rec.ID)
		})
		if err != nil {
			return op, pushSkipped, fmt.Errorf("failed to remove %s locally: %w", rec.Ref(), err)
		}
		e.logger.Debug("Removed unsynced record locally", "ref", rec.Ref().String())
		return op, pushRemoved, nil
	}

	payload := toWire(rec)
	var server *mindapi.Record
	var err error
	switch op {
	case OpCreate:
		server, err = e.remote.Create(ctx, rec.Kind, payload)
	case OpUpdate:
		server, err = e.remote.Update(ctx, rec.Kind, rec.ID, payload)
	case OpDelete:
		err = e.remote.Delete(ctx, rec.Kind, rec.ID, payload)
	}

	if errors.Is(err, ErrAuthentication) {
		return op, pushSkipped, err
	}
	if err != nil && ctx.Err() != nil {
		return op, pushSkipped, ctx.Err()
	}

	var conflict *ConflictError
	switch {
	case err == nil:
		if rerr := e.reconcileSuccess(ctx, rec, op, server); rerr != nil {
			return op, pushSkipped, rerr
		}
		return op, pushSucceeded, nil

	case errors.As(err, &conflict) && conflict.ServerRecord != nil:
		if rerr := e.reconcileConflict(ctx, rec, *conflict.ServerRecord); rerr != nil {
			return op, pushSkipped, rerr
		}
		e.logger.Info("Conflict resolved with server copy", "ref", rec.Ref().String(), "op", op)
		return op, pushConflict, nil

	case errors.As(err, &conflict) && op == OpDelete:
		// Nothing left on the server to keep.
		if rerr := e.reconcileSuccess(ctx, rec, op, nil); rerr != nil {
			return op, pushSkipped, rerr
		}
		return op, pushSucceeded, nil

	default:
		if rerr := e.reconcileFailure(ctx, rec, op); rerr != nil {
			return op, pushSkipped, rerr
		}
		e.logger.Warn("Push failed for record", "ref", rec.Ref().String(), "op", op, "kind", ClassifyError(err), "error", err)
		return op, pushFailed, err
	}
}

// editedSince reports whether the record changed locally while its push
// request was in flight.
func editedSince(sent, current Record) bool {
	return !sent.UpdatedAt.Equal(current.UpdatedAt) || sent.Sync != current.Sync
}

func (e *Engine) reconcileSuccess(ctx context.Context, sent Record, op Op, server *mindapi.Record) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Find(ctx, sent.Kind, sent.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if op == OpDelete {
			return tx.Remove(ctx, sent.Kind, sent.ID)
		}

		if editedSince(sent, current) {
			// Keep the newer local edit queued, but remember the remote now
			// has the record and keep its token ahead of the server stamp.
			current.Confirmed = true
			if current.Sync == PendingCreate {
				current.Sync = PendingUpdate
			}
			if server != nil && server.UpdatedAt != "" {
				if ts, perr := mindapi.ParseTime(server.UpdatedAt); perr == nil && !current.UpdatedAt.After(ts) {
					current.UpdatedAt = ts.Add(time.Microsecond)
				}
			}
			e.logger.Debug("Record edited during push; staying dirty", "ref", sent.Ref().String())
			return tx.Put(ctx, current)
		}

		out, err := acceptServer(current, server)
		if err != nil {
			return fmt.Errorf("failed to accept server response for %s: %w", sent.Ref(), err)
		}
		return tx.Put(ctx, out)
	})
}

func (e *Engine) reconcileConflict(ctx context.Context, sent Record, server mindapi.Record) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Find(ctx, sent.Kind, sent.ID)
		if errors.Is(err, ErrNotFound) {
			current = sent
		} else if err != nil {
			return err
		}
		out, err := overwriteWithServer(current, server)
		if err != nil {
			return fmt.Errorf("failed to apply server snapshot for %s: %w", sent.Ref(), err)
		}
		return tx.Put(ctx, out)
	})
}

func (e *Engine) reconcileFailure(ctx context.Context, sent Record, op Op) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.Find(ctx, sent.Kind, sent.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if editedSince(sent, current) {
			return nil
		}
		current.Sync = SyncFailed
		current.FailedOp = op
		return tx.Put(ctx, current)
	})
}
