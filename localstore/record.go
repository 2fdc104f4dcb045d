// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the last unsynced mutation applied to a record. It is empty once the
// server has confirmed the record.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Reserved metadata keys in the record's JSON representation. Domain fields
// must not use these names.
const (
	keyID        = "id"
	keyUpdatedAt = "updated_at"
	keyPending   = "_pending"
	keyOperation = "_operation"
)

// timeLayout matches the server's timestamp format (UTC, millisecond
// precision).
const timeLayout = "2006-01-02T15:04:05.000Z"

// Record is one domain entity (note, alarm, calendar entry, objective...).
// The engine only interprets the metadata fields; everything else is an open
// map of domain fields carried through to the server untouched.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Pending   bool // true while the record has unsynced local changes
	Operation Op   // last unsynced operation, "" once synced
	Fields    map[string]any
}

// Field returns the named domain field, or nil if absent.
func (r *Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Clone returns a deep-enough copy for the engine's purposes (the Fields map
// is copied one level deep; nested values are shared).
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// MarshalJSON flattens the metadata keys next to the domain fields, producing
// the same document shape the remote API exchanges.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc[keyID] = r.ID
	if !r.UpdatedAt.IsZero() {
		doc[keyUpdatedAt] = r.UpdatedAt.UTC().Format(timeLayout)
	}
	doc[keyPending] = r.Pending
	if r.Operation != "" {
		doc[keyOperation] = string(r.Operation)
	} else {
		doc[keyOperation] = nil
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits the metadata keys back out of the flat document.
// Unknown metadata shapes are tolerated: the server owns the domain fields
// and may omit client-side markers entirely.
func (r *Record) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode record document: %w", err)
	}

	out := Record{Fields: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case keyID:
			switch id := v.(type) {
			case string:
				out.ID = id
			case float64:
				// Servers with numeric ids are normalized to their string form.
				out.ID = formatNumericID(id)
			default:
				return fmt.Errorf("record id has unsupported type %T", v)
			}
		case keyUpdatedAt:
			if s, ok := v.(string); ok && s != "" {
				ts, err := parseTimestamp(s)
				if err != nil {
					return fmt.Errorf("failed to parse updated_at %q: %w", s, err)
				}
				out.UpdatedAt = ts
			}
		case keyPending:
			if b, ok := v.(bool); ok {
				out.Pending = b
			}
		case keyOperation:
			if s, ok := v.(string); ok {
				out.Operation = Op(s)
			}
		default:
			out.Fields[k] = v
		}
	}

	*r = out
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse(timeLayout, s)
}

func formatNumericID(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", f)
}
