// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package syncqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planventa/offsync/localstore"
)

func newTestQueue(t *testing.T) (*Queue, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(":memory:", localstore.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestEnqueueAndListPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "n1", "nombre": "A"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, entry.Status)
	require.Equal(t, 0, entry.Retries)
	require.Equal(t, "n1", entry.RecordID())
	require.False(t, entry.Timestamp.IsZero())

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, entry.ID, pending[0].ID)
	require.Equal(t, OpCreate, pending[0].Op)
	require.Equal(t, "notes", pending[0].Collection)
}

func TestListPendingReplayOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Force distinct timestamps out of insertion order to prove the sort is
	// by timestamp, not by id.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second)}
	i := 0
	q.now = func() time.Time { t := times[i]; i++; return t }

	for _, id := range []string{"late", "first", "middle"} {
		_, err := q.Enqueue(ctx, OpUpdate, "notes", map[string]any{"id": id})
		require.NoError(t, err)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "first", pending[0].RecordID())
	require.Equal(t, "middle", pending[1].RecordID())
	require.Equal(t, "late", pending[2].RecordID())
}

func TestSameTimestampFallsBackToInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, OpUpdate, "notes", map[string]any{"id": id})
		require.NoError(t, err)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"},
		[]string{pending[0].RecordID(), pending[1].RecordID(), pending[2].RecordID()})
}

func TestRewritePendingCreateKeepsQueuePosition(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "local-1", "nombre": "v1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "local-2", "nombre": "other"})
	require.NoError(t, err)

	rewritten, err := q.RewritePendingCreate(ctx, "notes", "local-1",
		map[string]any{"id": "local-1", "nombre": "v2"})
	require.NoError(t, err)
	require.True(t, rewritten)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID, "the rewritten entry keeps its replay slot")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(pending[0].Payload, &doc))
	require.Equal(t, "v2", doc["nombre"])

	// No pending create for the id: nothing to rewrite.
	rewritten, err = q.RewritePendingCreate(ctx, "notes", "local-404",
		map[string]any{"id": "local-404"})
	require.NoError(t, err)
	require.False(t, rewritten)
}

func TestCancelPendingCreate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "local-1"})
	require.NoError(t, err)
	update, err := q.Enqueue(ctx, OpUpdate, "notes", map[string]any{"id": "n9"})
	require.NoError(t, err)

	cancelled, err := q.CancelPendingCreate(ctx, "notes", "local-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	// The cancelled create is terminal; unrelated entries stay pending.
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, update.ID, pending[0].ID)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, entry.ID, all[0].ID)
	require.Equal(t, StatusCompleted, all[0].Status)

	// A terminal entry cannot be cancelled twice.
	cancelled, err = q.CancelPendingCreate(ctx, "notes", "local-1")
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestTerminalTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "n1"})
	require.NoError(t, err)
	broken, err := q.Enqueue(ctx, OpDelete, "notes", map[string]any{"id": "n2"})
	require.NoError(t, err)

	require.NoError(t, q.MarkCompleted(ctx, done.ID))
	require.NoError(t, q.MarkFailed(ctx, broken.ID))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "n2", failed[0].RecordID())

	// Terminal entries are retained, not deleted.
	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.Error(t, q.MarkCompleted(ctx, 999))
}

func TestIncrementRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, OpUpdate, "alarms", map[string]any{"id": "a1"})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		got, err := q.IncrementRetry(ctx, entry.ID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Still pending: crossing the ceiling is the engine's decision.
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 3, pending[0].Retries)

	has, err := q.HasRetries(ctx)
	require.NoError(t, err)
	require.True(t, has)
}

func TestCounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "n"})
		require.NoError(t, err)
	}
	done, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "d"})
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, done.ID))
	bad, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "f"})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, bad.ID))

	pending, completed, failed, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, pending)
	require.Equal(t, 1, completed)
	require.Equal(t, 1, failed)
}

func TestClearHistoryKeepsPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	keep, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "keep"})
	require.NoError(t, err)
	done, err := q.Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "done"})
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, done.ID))

	require.NoError(t, q.ClearHistory(ctx))

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, keep.ID, all[0].ID)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := localstore.Open(path, localstore.DefaultConfig())
	require.NoError(t, err)
	_, err = New(store).Enqueue(ctx, OpCreate, "notes", map[string]any{"id": "n1"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = localstore.Open(path, localstore.DefaultConfig())
	require.NoError(t, err)
	defer store.Close()

	pending, err := New(store).ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "n1", pending[0].RecordID())
}
