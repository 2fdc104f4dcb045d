// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository is the single call surface the UI layer uses. Every
// mutation writes through the local store first and enqueues an outbox entry;
// the network is only ever touched opportunistically, so local operations
// always appear to succeed regardless of connectivity.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/planventa/offsync/localstore"
	"github.com/planventa/offsync/netmon"
	"github.com/planventa/offsync/syncqueue"
)

// tempIDPrefix marks client-generated ids for records the server has not
// acknowledged yet.
const tempIDPrefix = "local-"

// Syncer is the slice of the engine the facade needs; kept small so tests can
// fake it.
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// Repository hides the store/queue/engine machinery behind
// create/update/remove/getAll/getById.
type Repository struct {
	store   *localstore.Store
	queue   *syncqueue.Queue
	monitor *netmon.Monitor
	syncer  Syncer
	logger  *slog.Logger
}

// New builds the facade. syncer may be nil (no background nudging), which the
// tests use to observe purely local behavior.
func New(store *localstore.Store, queue *syncqueue.Queue, monitor *netmon.Monitor, syncer Syncer) *Repository {
	return &Repository{
		store:   store,
		queue:   queue,
		monitor: monitor,
		syncer:  syncer,
		logger:  slog.Default(),
	}
}

// Create persists a new record locally and queues it for replication. When
// the caller supplies no id, a temporary client id is generated; the server's
// canonical id replaces it on sync. The returned record reflects what the
// local store holds right now ("saved", not yet "synced").
func (r *Repository) Create(ctx context.Context, collection string, fields map[string]any) (*localstore.Record, error) {
	rec := localstore.Record{
		Operation: localstore.OpCreate,
		Fields:    make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		if k == "id" {
			if id, ok := v.(string); ok {
				rec.ID = id
			}
			continue
		}
		rec.Fields[k] = v
	}
	if rec.ID == "" {
		rec.ID = tempIDPrefix + uuid.New().String()
	}

	saved, err := r.store.Save(ctx, collection, rec)
	if err != nil {
		return nil, err
	}
	if _, err := r.queue.Enqueue(ctx, syncqueue.OpCreate, collection, saved); err != nil {
		return nil, fmt.Errorf("failed to queue create: %w", err)
	}

	r.nudge()
	return &saved, nil
}

// Update persists a changed record locally and queues it. fields must carry
// the record's id.
func (r *Repository) Update(ctx context.Context, collection string, fields map[string]any) (*localstore.Record, error) {
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("update requires a record id")
	}

	rec := localstore.Record{
		ID:        id,
		Operation: localstore.OpUpdate,
		Fields:    make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		rec.Fields[k] = v
	}

	op := syncqueue.OpUpdate
	if strings.HasPrefix(id, tempIDPrefix) {
		// The server has never seen this record; replaying it as an update
		// against a temporary id would 404. It stays a create.
		rec.Operation = localstore.OpCreate
		op = syncqueue.OpCreate
	}

	saved, err := r.store.Save(ctx, collection, rec)
	if err != nil {
		return nil, err
	}

	if op == syncqueue.OpCreate {
		// Fold the new fields into the still-queued create so one logical
		// record replays as exactly one POST. A second create entry would
		// mint a second server record for every offline edit.
		rewritten, err := r.queue.RewritePendingCreate(ctx, collection, id, saved)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite queued create: %w", err)
		}
		if rewritten {
			r.nudge()
			return &saved, nil
		}
	}

	if _, err := r.queue.Enqueue(ctx, op, collection, saved); err != nil {
		return nil, fmt.Errorf("failed to queue update: %w", err)
	}

	r.nudge()
	return &saved, nil
}

// Remove deletes the record locally at once and queues the delete for remote
// confirmation. The UI stops seeing the record immediately; the server learns
// about it on the next drain. When the record's create is itself still queued,
// the create is cancelled instead: the server has no row to delete, and
// replaying the create would resurrect a record the user already discarded.
func (r *Repository) Remove(ctx context.Context, collection, id string) error {
	if err := r.store.Delete(ctx, collection, id); err != nil {
		return err
	}

	cancelled, err := r.queue.CancelPendingCreate(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("failed to cancel queued create: %w", err)
	}
	if cancelled {
		r.logger.Debug("cancelled queued create for removed record",
			"collection", collection, "record", id)
		return nil
	}

	if _, err := r.queue.Enqueue(ctx, syncqueue.OpDelete, collection,
		map[string]any{"id": id}); err != nil {
		return fmt.Errorf("failed to queue delete: %w", err)
	}

	r.nudge()
	return nil
}

// GetAll returns the local records immediately. When online and the caller
// forced a refresh (or the collection is still empty), a background sync
// cycle is kicked off without blocking: the caller gets current best-known
// data, not data-after-refresh.
func (r *Repository) GetAll(ctx context.Context, collection string, forceRefresh bool) ([]localstore.Record, error) {
	records, err := r.store.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}

	if r.syncer != nil && r.monitor.IsOnline() && (forceRefresh || len(records) == 0) {
		go func() {
			if err := r.syncer.SyncNow(context.Background()); err != nil {
				r.logger.Warn("background refresh failed", "collection", collection, "error", err)
			}
		}()
	}
	return records, nil
}

// GetAllBy returns the local records whose indexed foreign-key field matches
// value (e.g. notes by elemento_id).
func (r *Repository) GetAllBy(ctx context.Context, collection, field string, value any) ([]localstore.Record, error) {
	return r.store.GetAllBy(ctx, collection, field, value)
}

// GetByID returns the local record, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, collection, id string) (*localstore.Record, error) {
	return r.store.Get(ctx, collection, id)
}

// nudge kicks a sync cycle when connectivity allows. Mutations never wait on
// it; sync failures surface through the stats/error-history surface only.
func (r *Repository) nudge() {
	if r.syncer == nil {
		return
	}
	r.monitor.WhenOnline(func() {
		go func() {
			if err := r.syncer.SyncNow(context.Background()); err != nil {
				r.logger.Warn("opportunistic sync failed", "error", err)
			}
		}()
	})
}
