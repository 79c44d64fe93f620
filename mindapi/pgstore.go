// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxTxAttempts  = 5
	initialBackoff = 10 * time.Millisecond
)

// retryableStates are the SQLSTATEs a record mutation is retried on.
var retryableStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// retryableMutation reports whether a failed mutation transaction may succeed
// when run again.
func retryableMutation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	_, ok := retryableStates[pgErr.SQLState()]
	return ok
}

// waitBackoff blocks for the attempt's backoff unless ctx ends first.
func waitBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(initialBackoff << (attempt - 1))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostgresStore persists records in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates the store and its tables.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mind_records (
			user_id    TEXT        NOT NULL,
			kind       TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			status     TEXT        NOT NULL DEFAULT '',
			fields     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (user_id, kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS mind_records_updated_idx ON mind_records (user_id, kind, updated_at)`,
		`CREATE TABLE IF NOT EXISTS mind_tombstones (
			user_id    TEXT        NOT NULL,
			kind       TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			deleted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS mind_tombstones_deleted_idx ON mind_tombstones (user_id, kind, deleted_at)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Mutate serializes writers of one record with a transaction-scoped advisory
// lock and retries serialization failures with backoff.
func (s *PostgresStore) Mutate(ctx context.Context, userID, kind, id string, fn MutateFunc) error {
	for attempt := 1; ; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return s.mutateInTx(ctx, tx, userID, kind, id, fn)
		})
		if err == nil || !retryableMutation(err) || attempt >= maxTxAttempts {
			return err
		}
		s.logger.Warn("Retrying record mutation", "user_id", userID, "kind", kind, "id", id, "attempt", attempt, "error", err)
		if err := waitBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (s *PostgresStore) mutateInTx(ctx context.Context, tx pgx.Tx, userID, kind, id string, fn MutateFunc) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID+"/"+kind+"/"+id); err != nil {
		return fmt.Errorf("failed to lock record: %w", err)
	}

	var current *StoredRecord
	rec := StoredRecord{UserID: userID, Kind: kind, ID: id}
	err := tx.QueryRow(ctx, `
		SELECT updated_at, status, fields FROM mind_records
		WHERE user_id = $1 AND kind = $2 AND id = $3
	`, userID, kind, id).Scan(&rec.UpdatedAt, &rec.Status, &rec.Fields)
	switch {
	case err == nil:
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		current = &rec
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("failed to load record: %w", err)
	}

	mutation, err := fn(current)
	if err != nil {
		return err
	}

	switch {
	case mutation.Put != nil:
		put := mutation.Put
		fields := put.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO mind_records (user_id, kind, id, updated_at, status, fields)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, kind, id) DO UPDATE
			SET updated_at = EXCLUDED.updated_at, status = EXCLUDED.status, fields = EXCLUDED.fields
		`, userID, kind, id, put.UpdatedAt, put.Status, fields); err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM mind_tombstones WHERE user_id = $1 AND kind = $2 AND id = $3
		`, userID, kind, id); err != nil {
			return fmt.Errorf("failed to clear tombstone: %w", err)
		}
	case !mutation.DeleteAt.IsZero():
		if _, err := tx.Exec(ctx, `
			DELETE FROM mind_records WHERE user_id = $1 AND kind = $2 AND id = $3
		`, userID, kind, id); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO mind_tombstones (user_id, kind, id, deleted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, kind, id) DO UPDATE SET deleted_at = EXCLUDED.deleted_at
		`, userID, kind, id, mutation.DeleteAt); err != nil {
			return fmt.Errorf("failed to write tombstone: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID, kind string, since time.Time) ([]StoredRecord, error) {
	query := `
		SELECT id, updated_at, status, fields FROM mind_records
		WHERE user_id = $1 AND kind = $2`
	args := []any{userID, kind}
	if !since.IsZero() {
		query += ` AND updated_at >= $3`
		args = append(args, since)
	}
	query += ` ORDER BY updated_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		rec := StoredRecord{UserID: userID, Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.UpdatedAt, &rec.Status, &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Tombstones(ctx context.Context, userID string, kinds []string, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM mind_tombstones
		WHERE user_id = $1 AND kind = ANY($2) AND deleted_at >= $3
		ORDER BY deleted_at, id
	`, userID, kinds, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect tombstones: %w", err)
	}
	return ids, nil
}
