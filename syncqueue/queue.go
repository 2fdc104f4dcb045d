// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncqueue implements the durable change queue: an ordered log of
// local mutations awaiting confirmation by the remote API. It is backed by the
// local store's sync_queue table, so queued intents survive process restarts.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/planventa/offsync/localstore"
)

// Op is a queued mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is a queue entry's lifecycle state. Entries transition
// pending -> completed (success, terminal) or pending -> failed (retry
// ceiling crossed or permanently rejected, terminal). Terminal entries are
// retained for audit until an explicit history clear.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Entry is one durable intent to replicate a local mutation to the server.
type Entry struct {
	ID         int64
	Op         Op
	Collection string
	Payload    json.RawMessage // the record document, or {"id": ...} for deletes
	Timestamp  time.Time
	Retries    int
	Status     Status
}

// RecordID extracts the id of the record the entry mutates.
func (e *Entry) RecordID() string {
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return ""
	}
	return doc.ID
}

// Queue is the durable outbox. It shares the store's database handle so that
// enqueueing rides the same durability guarantees as the record write that
// preceded it.
type Queue struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// New builds a queue over the store's sync_queue table.
func New(store *localstore.Store) *Queue {
	return &Queue{db: store.DB(), now: time.Now, logger: slog.Default()}
}

// Enqueue appends a mutation intent. It always succeeds locally (network
// state is irrelevant); payload is marshaled to JSON if it is not already raw.
func (q *Queue) Enqueue(ctx context.Context, op Op, collection string, payload any) (*Entry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	ts := q.now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (operation, collection, payload, timestamp, retries, status)
		VALUES (?, ?, ?, ?, 0, 'pending')
	`, string(op), collection, string(raw), ts.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s on %s: %w", op, collection, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entry id: %w", err)
	}

	entry := &Entry{
		ID:         id,
		Op:         op,
		Collection: collection,
		Payload:    raw,
		Timestamp:  ts,
		Status:     StatusPending,
	}
	q.logger.Debug("queued mutation",
		"entry", entry.ID, "op", op, "collection", collection, "record", entry.RecordID())
	return entry, nil
}

// RewritePendingCreate folds a newer payload into the still-pending create
// entry for the record, keeping the entry's original queue position. It
// reports whether such an entry existed.
func (q *Queue) RewritePendingCreate(ctx context.Context, collection, recordID string, payload any) (bool, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET payload = ?
		WHERE status = 'pending' AND operation = 'create' AND collection = ?
			AND json_extract(payload, '$.id') = ?
	`, string(raw), collection, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to rewrite pending create for %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rewrite result: %w", err)
	}
	if n > 0 {
		q.logger.Debug("rewrote queued create", "collection", collection, "record", recordID)
	}
	return n > 0, nil
}

// CancelPendingCreate marks the still-pending create entry for the record
// completed without it ever replaying. Used when the record is deleted before
// the server saw it: there is no server-side state to create or delete. It
// reports whether such an entry existed.
func (q *Queue) CancelPendingCreate(ctx context.Context, collection, recordID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'completed'
		WHERE status = 'pending' AND operation = 'create' AND collection = ?
			AND json_extract(payload, '$.id') = ?
	`, collection, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel pending create for %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return n > 0, nil
}

// ListPending returns pending entries ordered by timestamp then id, which is
// the replay order the sync engine must honor.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, `
		SELECT id, operation, collection, payload, timestamp, retries, status
		FROM sync_queue WHERE status = 'pending'
		ORDER BY timestamp, id
	`)
}

// ListFailed returns terminally failed entries, newest first, for
// user-visible reporting and manual intervention.
func (q *Queue) ListFailed(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, `
		SELECT id, operation, collection, payload, timestamp, retries, status
		FROM sync_queue WHERE status = 'failed'
		ORDER BY timestamp DESC, id DESC
	`)
}

// List returns the full queue history in insertion order.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, `
		SELECT id, operation, collection, payload, timestamp, retries, status
		FROM sync_queue ORDER BY timestamp, id
	`)
}

func (q *Queue) list(ctx context.Context, query string) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var op, status, payload, ts string
		if err := rows.Scan(&e.ID, &op, &e.Collection, &payload, &ts, &e.Retries, &status); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Op(op)
		e.Status = Status(status)
		e.Payload = json.RawMessage(payload)
		parsed, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse queue timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	return entries, nil
}

// MarkCompleted transitions an entry to its terminal success state.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, StatusCompleted)
}

// MarkFailed transitions an entry to its terminal failure state. The entry is
// kept for reporting; it is never retried again.
func (q *Queue) MarkFailed(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, StatusFailed)
}

func (q *Queue) setStatus(ctx context.Context, id int64, status Status) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// IncrementRetry bumps the retry counter of a pending entry after a transient
// failure and returns the new count. The entry stays pending; crossing the
// retry ceiling is the engine's call.
func (q *Queue) IncrementRetry(ctx context.Context, id int64) (int, error) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retries for entry %d: %w", id, err)
	}
	var retries int
	err = q.db.QueryRowContext(ctx,
		`SELECT retries FROM sync_queue WHERE id = ?`, id).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("failed to read retries for entry %d: %w", id, err)
	}
	return retries, nil
}

// Counts returns the number of entries per status.
func (q *Queue) Counts(ctx context.Context) (pending, completed, failed int, err error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			pending = n
		case StatusCompleted:
			completed = n
		case StatusFailed:
			failed = n
		}
	}
	return pending, completed, failed, rows.Err()
}

// HasRetries reports whether any pending entry has already been retried,
// which the engine uses to widen its timer interval.
func (q *Queue) HasRetries(ctx context.Context) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = 'pending' AND retries > 0`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check retried entries: %w", err)
	}
	return n > 0, nil
}

// ClearHistory deletes terminal (completed/failed) entries. This is the only
// way entries ever leave the queue; nothing is dropped automatically, so the
// UI can always reconstruct what happened while offline.
func (q *Queue) ClearHistory(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status != 'pending'`)
	if err != nil {
		return fmt.Errorf("failed to clear queue history: %w", err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
}
