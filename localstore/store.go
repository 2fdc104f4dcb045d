// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the client-resident durable store: crash-safe,
// transactional CRUD over named record collections backed by a single SQLite
// database, independent of network state.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current PRAGMA user_version. Upgrades must be additive
// (new tables and indexes only) and must never drop existing data.
const schemaVersion = 1

// Reserved physical tables that cannot be used as collection names.
var reservedTables = map[string]bool{
	"sync_queue":  true,
	"user_config": true,
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Collection declares one named record partition and its secondary indexes.
// Indexes name domain fields (e.g. "elemento_id") and are implemented as
// SQLite expression indexes over the JSON document.
type Collection struct {
	Name    string
	Indexes []string
}

// Config holds configuration for the local durable store.
type Config struct {
	Collections []Collection
	// Now supplies timestamps for updated_at stamping. Defaults to time.Now.
	Now func() time.Time
	// OnlineFn reports current connectivity; Save uses it to stamp _pending.
	// Defaults to "always online" so a store without a network monitor never
	// marks records pending.
	OnlineFn func() bool
	Logger   *slog.Logger
}

// DefaultConfig returns the store configuration for the productivity app's
// resource types, with the foreign-key indexes the hot paths need.
func DefaultConfig() *Config {
	return &Config{
		Collections: []Collection{
			{Name: "notes", Indexes: []string{"elemento_id"}},
			{Name: "alarms"},
			{Name: "calendars"},
			{Name: "events", Indexes: []string{"calendario_id"}},
			{Name: "objectives"},
			{Name: "elements"},
		},
	}
}

// Store is the local durable store. All writes are single-collection
// transactions and are durable before the call returns, so a Get that follows
// a Save always observes it.
type Store struct {
	db          *sql.DB
	collections map[string]Collection
	now         func() time.Time
	online      func() bool
	logger      *slog.Logger
	writeMu     sync.Mutex // serialize writes to avoid SQLite lock contention
}

// Open opens (or creates) the SQLite database at path and initializes the
// schema. Use ":memory:" for an isolated throwaway store.
func Open(path string, cfg *Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One pooled connection: SQLite serializes writers anyway, and a single
	// connection keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)
	store, err := New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing database handle. The handle is shared process-wide;
// construct one Store per physical database.
func New(db *sql.DB, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Collections) == 0 {
		return nil, fmt.Errorf("config must declare at least one collection")
	}

	s := &Store{
		db:          db,
		collections: make(map[string]Collection, len(cfg.Collections)),
		now:         cfg.Now,
		online:      cfg.OnlineFn,
		logger:      cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.online == nil {
		s.online = func() bool { return true }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	for _, c := range cfg.Collections {
		if !collectionNameRe.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid collection name %q", c.Name)
		}
		if reservedTables[c.Name] {
			return nil, fmt.Errorf("collection name %q is reserved", c.Name)
		}
		s.collections[c.Name] = c
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components that share the same
// physical database (the change queue).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// initSchema enables WAL mode and applies additive migrations up to
// schemaVersion, then ensures every registered collection table and index
// exists.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version < 1 {
		tables := []string{
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				operation   TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
				collection  TEXT NOT NULL,
				payload     TEXT NOT NULL,
				timestamp   TEXT NOT NULL,
				retries     INTEGER NOT NULL DEFAULT 0,
				status      TEXT NOT NULL DEFAULT 'pending'
					CHECK (status IN ('pending','completed','failed'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_status
				ON sync_queue (status, timestamp)`,
			`CREATE TABLE IF NOT EXISTS user_config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		}
		for _, ddl := range tables {
			if _, err := s.db.Exec(ddl); err != nil {
				return fmt.Errorf("failed to create schema table: %w", err)
			}
		}
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	// Collection tables are created additively on every init so that newly
	// registered resource types appear on upgrade without data loss.
	for _, c := range s.collections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id         TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			pending    INTEGER NOT NULL DEFAULT 0,
			operation  TEXT
		)`, c.Name)
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create collection table %s: %w", c.Name, err)
		}
		for _, idx := range c.Indexes {
			if !collectionNameRe.MatchString(idx) {
				return fmt.Errorf("invalid index field %q on collection %s", idx, c.Name)
			}
			ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_%s"
				ON "%s" (json_extract(data, '$.%s'))`, c.Name, idx, c.Name, idx)
			if _, err := s.db.Exec(ddl); err != nil {
				return fmt.Errorf("failed to create index %s on %s: %w", idx, c.Name, err)
			}
		}
	}

	return nil
}

func (s *Store) collection(name string) (Collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}

// Save upserts the record by id. It stamps updated_at, sets the pending flag
// from current connectivity, and is durable before it returns. It never fails
// due to network state; failures are serialization or storage problems and
// surface as *StorageError.
func (s *Store) Save(ctx context.Context, collection string, rec Record) (Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("record id is required")
	}

	rec.UpdatedAt = s.now()
	rec.Pending = !s.online()
	return s.write(ctx, c.Name, rec)
}

// SaveSynced writes the server's canonical representation of a record back
// into the store, clearing the pending markers. Used by the sync engine's
// write-back and pulling paths.
func (s *Store) SaveSynced(ctx context.Context, collection string, rec Record) (Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("record id is required")
	}

	rec.Pending = false
	rec.Operation = ""
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	return s.write(ctx, c.Name, rec)
}

func (s *Store) write(ctx context.Context, table string, rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, storageErr("save", table, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	op := ""
	if rec.Operation != "" {
		op = string(rec.Operation)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, data, updated_at, pending, operation)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			pending = excluded.pending,
			operation = excluded.operation
	`, table), rec.ID, string(data), rec.UpdatedAt.UTC().Format(timeLayout), boolToInt(rec.Pending), op)
	if err != nil {
		return Record{}, storageErr("save", table, err)
	}
	return rec, nil
}

// Get returns the record with the given id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (*Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var data string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE id = ?`, c.Name), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", collection, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, storageErr("get", collection, err)
	}
	return &rec, nil
}

// GetAll returns every record in the collection. Order is stable for a given
// store state (sorted by id).
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, collection,
		fmt.Sprintf(`SELECT data FROM "%s" ORDER BY id`, c.Name))
}

// GetAllBy returns the records whose indexed domain field matches value. The
// field must have been declared as an index on the collection, so the scan is
// served by the expression index rather than a full table walk.
func (s *Store) GetAllBy(ctx context.Context, collection, field string, value any) ([]Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	declared := false
	for _, idx := range c.Indexes {
		if idx == field {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("field %q is not indexed on collection %q", field, collection)
	}
	return s.scan(ctx, collection,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE json_extract(data, '$.%s') = ? ORDER BY id`,
			c.Name, field), value)
}

// GetPending returns the records still carrying unsynced local changes.
func (s *Store) GetPending(ctx context.Context, collection string) ([]Record, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, collection,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE pending = 1 ORDER BY id`, c.Name))
}

func (s *Store) scan(ctx context.Context, collection, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("scan", collection, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("scan", collection, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, storageErr("scan", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan", collection, err)
	}
	return records, nil
}

// Delete removes the record with the given id. Deleting a missing id is not
// an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, c.Name), id); err != nil {
		return storageErr("delete", collection, err)
	}
	return nil
}

// Clear removes every record in the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, c.Name)); err != nil {
		return storageErr("clear", collection, err)
	}
	return nil
}

// ClearAll wipes every collection, the sync queue, and the user config. Used
// for account logout/reset.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear_all", "", err)
	}
	defer tx.Rollback()

	for name := range s.collections {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, name)); err != nil {
			return storageErr("clear_all", name, err)
		}
	}
	for name := range reservedTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, name)); err != nil {
			return storageErr("clear_all", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("clear_all", "", err)
	}
	s.logger.Info("local store cleared")
	return nil
}

// SetConfig stores a key/value pair in the user_config table (auth token,
// last sync time, device id).
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return storageErr("set_config", "user_config", err)
	}
	return nil
}

// GetConfig returns the stored value for key, or "" when it was never set.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get_config", "user_config", err)
	}
	return value, nil
}

// Collections returns the registered collection names.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
