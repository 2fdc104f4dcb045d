// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drains the change queue against the remote API when online,
// pulls authoritative remote state back into the local store, and exposes
// aggregate sync status. At most one full sync cycle runs per client.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planventa/offsync/localstore"
	"github.com/planventa/offsync/netmon"
	"github.com/planventa/offsync/syncqueue"
)

const lastSyncConfigKey = "last_sync_time"

// Config holds configuration for the sync engine.
type Config struct {
	// Interval between timer-triggered cycles. Default 30s.
	Interval time.Duration
	// RetryCeiling is the number of transient failures after which an entry
	// becomes terminally failed. Default 3.
	RetryCeiling int
	// RequestTimeout bounds each remote call made during a cycle. Default 10s.
	RequestTimeout time.Duration
	// Collections to pull during the Pulling phase. Defaults to every
	// collection registered on the store.
	Collections []string
	// ErrorHistory bounds the in-memory sync error ring. Default 50.
	ErrorHistory int
	Logger       *slog.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:       30 * time.Second,
		RetryCeiling:   3,
		RequestTimeout: 10 * time.Second,
		ErrorHistory:   50,
	}
}

// Stats is the read-only status surface polled by the UI.
type Stats struct {
	Pending      int       `json:"pending"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	IsOnline     bool      `json:"isOnline"`
	IsSyncing    bool      `json:"isSyncing"`
	LastSyncTime time.Time `json:"lastSyncTime"`
}

// Engine orchestrates sync cycles: Idle -> Draining -> Pulling -> Idle.
type Engine struct {
	store   *localstore.Store
	queue   *syncqueue.Queue
	monitor *netmon.Monitor
	api     *APIClient
	cfg     *Config
	logger  *slog.Logger

	syncing int32 // the single-flight flag; the one shared-mutable gate
	trigger chan struct{}

	mu       sync.Mutex
	errs     []SyncError
	lastSync time.Time
}

// New builds an engine. The previously persisted last-sync time is restored
// from the store so a restart does not report "never synced".
func New(store *localstore.Store, queue *syncqueue.Queue, monitor *netmon.Monitor, api *APIClient, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = 50
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = store.Collections()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:   store,
		queue:   queue,
		monitor: monitor,
		api:     api,
		cfg:     cfg,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}

	if raw, err := store.GetConfig(context.Background(), lastSyncConfigKey); err == nil && raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.lastSync = ts
		}
	}
	return e
}

// Run drives cycles until ctx is canceled: one on every online edge, one per
// timer tick. The tick interval widens (with jitter, bounded at 4x) while
// retried entries are waiting, so failing entries are not hammered.
func (e *Engine) Run(ctx context.Context) {
	e.monitor.OnOnline(func() {
		select {
		case e.trigger <- struct{}{}:
		default:
		}
	})

	interval := e.cfg.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-timer.C:
		}

		if err := e.SyncNow(ctx); err != nil {
			e.logger.Warn("sync cycle failed", "error", err)
		}

		interval = e.nextInterval(ctx, interval)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

func (e *Engine) nextInterval(ctx context.Context, current time.Duration) time.Duration {
	hasRetries, err := e.queue.HasRetries(ctx)
	if err != nil || !hasRetries {
		return e.cfg.Interval
	}
	widened := current * 2
	if max := e.cfg.Interval * 4; widened > max {
		widened = max
	}
	// +/-20% jitter keeps a fleet of clients from retrying in lockstep.
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(widened) * jitter)
}

// SyncNow runs one full sync cycle. A call while a cycle is already in
// flight is a no-op returning nil, and a call while offline does nothing:
// the next online edge will trigger the cycle instead.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.syncing, 0)

	if !e.monitor.IsOnline() {
		return nil
	}

	e.logger.Debug("sync cycle started")
	halted, drainErr := e.drain(ctx)
	var pullErr error
	if !halted {
		pullErr = e.pull(ctx)
	}

	// The cycle timestamp advances even on partial failure: the UI shows
	// "last attempted", the queue shows what is still pending.
	now := time.Now()
	e.mu.Lock()
	e.lastSync = now
	e.mu.Unlock()
	if err := e.store.SetConfig(ctx, lastSyncConfigKey, now.UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("failed to persist last sync time", "error", err)
	}

	if drainErr != nil {
		return drainErr
	}
	return pullErr
}

// drain replays pending queue entries in timestamp order. One bad entry never
// blocks the rest; only an auth failure halts the cycle (halted=true), since
// every remaining call would fail the same way.
func (e *Engine) drain(ctx context.Context) (halted bool, err error) {
	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list pending entries: %w", err)
	}

	for i := range entries {
		entry := &entries[i]
		callErr := e.replay(ctx, entry)
		if callErr == nil {
			if err := e.queue.MarkCompleted(ctx, entry.ID); err != nil {
				return false, err
			}
			continue
		}

		var authErr *AuthError
		if errors.As(callErr, &authErr) {
			// Entries stay pending untouched; the next cycle after
			// re-authentication picks them up.
			e.logger.Warn("sync halted by auth failure", "error", authErr)
			return true, authErr
		}

		var permErr *PermanentError
		if errors.As(callErr, &permErr) {
			if err := e.queue.MarkFailed(ctx, entry.ID); err != nil {
				return false, err
			}
			e.recordError(entry, callErr)
			e.logger.Warn("queue entry rejected permanently",
				"entry", entry.ID, "collection", entry.Collection, "op", entry.Op, "error", permErr)
			continue
		}

		// Transient: bump the retry counter, fail terminally past the ceiling.
		retries, err := e.queue.IncrementRetry(ctx, entry.ID)
		if err != nil {
			return false, err
		}
		if retries >= e.cfg.RetryCeiling {
			if err := e.queue.MarkFailed(ctx, entry.ID); err != nil {
				return false, err
			}
			e.recordError(entry, callErr)
			e.logger.Warn("queue entry exhausted retries",
				"entry", entry.ID, "collection", entry.Collection, "op", entry.Op,
				"retries", retries, "error", callErr)
		} else {
			e.logger.Debug("queue entry will retry next cycle",
				"entry", entry.ID, "retries", retries, "error", callErr)
		}
	}

	return false, nil
}

// replay performs the remote call for one queue entry and writes the server's
// canonical state back into the local store.
func (e *Engine) replay(ctx context.Context, entry *syncqueue.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	switch entry.Op {
	case syncqueue.OpCreate, syncqueue.OpUpdate:
		var rec localstore.Record
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			return &PermanentError{Body: fmt.Sprintf("unreadable queue payload: %v", err)}
		}

		var canonical localstore.Record
		var err error
		if entry.Op == syncqueue.OpCreate {
			canonical, err = e.api.Create(ctx, entry.Collection, rec)
		} else {
			canonical, err = e.api.Update(ctx, entry.Collection, rec)
		}
		if err != nil {
			return err
		}

		// Offline creates carry a client-generated temporary id; once the
		// server assigns the real one, the temporary row is replaced.
		if canonical.ID != rec.ID {
			if err := e.store.Delete(ctx, entry.Collection, rec.ID); err != nil {
				return err
			}
		}
		if _, err := e.store.SaveSynced(ctx, entry.Collection, canonical); err != nil {
			return err
		}
		return nil

	case syncqueue.OpDelete:
		id := entry.RecordID()
		if id == "" {
			return &PermanentError{Body: "delete entry without record id"}
		}
		if err := e.api.Delete(ctx, entry.Collection, id); err != nil {
			return err
		}
		// The row was removed locally when the delete was requested; this
		// covers the case where a pull resurrected it mid-queue.
		return e.store.Delete(ctx, entry.Collection, id)

	default:
		return &PermanentError{Body: fmt.Sprintf("unknown queue operation %q", entry.Op)}
	}
}

// pull fetches the authoritative list for every collection and upserts it
// locally. Records with a still-pending local mutation are left untouched:
// the queued mutation replays and wins (whole-record last-write-wins,
// arbitrated by the server on the next drain).
func (e *Engine) pull(ctx context.Context) error {
	pendingIDs, err := e.pendingRecordIDs(ctx)
	if err != nil {
		return err
	}

	limit := e.monitor.SuggestedBatchSize()
	var firstErr error
	for _, collection := range e.cfg.Collections {
		callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
		records, err := e.api.List(callCtx, collection, limit)
		cancel()
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return authErr // remaining collections would fail identically
			}
			e.logger.Warn("pull failed", "collection", collection, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for i := range records {
			rec := records[i]
			if rec.ID == "" {
				continue
			}
			if pendingIDs[collection][rec.ID] {
				continue
			}
			if local, err := e.store.Get(ctx, collection, rec.ID); err == nil && local != nil && local.Pending {
				continue // in-flight local change not yet queued-confirmed
			}
			if _, err := e.store.SaveSynced(ctx, collection, rec); err != nil {
				return err
			}
		}
		e.logger.Debug("pulled collection", "collection", collection, "records", len(records))
	}
	return firstErr
}

func (e *Engine) pendingRecordIDs(ctx context.Context) (map[string]map[string]bool, error) {
	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	ids := make(map[string]map[string]bool)
	for i := range entries {
		id := entries[i].RecordID()
		if id == "" {
			continue
		}
		if ids[entries[i].Collection] == nil {
			ids[entries[i].Collection] = make(map[string]bool)
		}
		ids[entries[i].Collection][id] = true
	}
	return ids, nil
}

func (e *Engine) requestTimeout() time.Duration {
	if e.cfg.RequestTimeout > 0 {
		return e.cfg.RequestTimeout
	}
	return 10 * time.Second
}

func (e *Engine) recordError(entry *syncqueue.Entry, cause error) {
	se := SyncError{
		Collection: entry.Collection,
		Op:         entry.Op,
		RecordID:   entry.RecordID(),
		Message:    cause.Error(),
		Time:       time.Now(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append([]SyncError{se}, e.errs...)
	if len(e.errs) > e.cfg.ErrorHistory {
		e.errs = e.errs[:e.cfg.ErrorHistory]
	}
}

// Errors returns the sync error history, newest first.
func (e *Engine) Errors() []SyncError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SyncError, len(e.errs))
	copy(out, e.errs)
	return out
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	return atomic.LoadInt32(&e.syncing) == 1
}

// Stats recomputes the aggregate status surface from the queue and monitor.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	pending, completed, failed, err := e.queue.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	e.mu.Lock()
	lastSync := e.lastSync
	e.mu.Unlock()
	return Stats{
		Pending:      pending,
		Completed:    completed,
		Failed:       failed,
		IsOnline:     e.monitor.IsOnline(),
		IsSyncing:    e.IsSyncing(),
		LastSyncTime: lastSync,
	}, nil
}
