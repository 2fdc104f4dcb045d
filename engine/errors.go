// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/planventa/offsync/syncqueue"
)

// TransientError is a sync failure worth retrying: network timeout,
// connection failure, or a 5xx response. The entry stays pending until the
// retry ceiling is crossed.
type TransientError struct {
	Status int // 0 when the request never reached the server
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient sync error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient sync error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a sync failure that retrying cannot fix (4xx validation,
// server-rejected conflict). The entry fails immediately.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent sync error (status %d): %s", e.Status, e.Body)
}

// AuthError means the bearer token is missing, expired, or rejected. It halts
// the remaining remote calls of the current cycle but leaves queued entries
// intact for the next cycle after re-authentication.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("auth error (status %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("auth error: %s", e.Reason)
}

// SyncError is one structured entry in the user-visible error history.
type SyncError struct {
	Collection string       `json:"collection"`
	Op         syncqueue.Op `json:"operation"`
	RecordID   string       `json:"record_id"`
	Message    string       `json:"message"`
	Time       time.Time    `json:"time"`
}

// classifyTransportError maps an error returned by the HTTP client (the
// request never produced a response) onto the taxonomy. Timeouts and
// connection failures are transient.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	// Unknown transport failures are treated as transient too: retrying a
	// network call is always safe from the client's bookkeeping perspective.
	return &TransientError{Err: err}
}

// classifyStatus maps an HTTP response status onto the taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{Status: status, Reason: body}
	case status == 408 || status == 429 || status >= 500:
		return &TransientError{Status: status, Err: errors.New(body)}
	default:
		return &PermanentError{Status: status, Body: body}
	}
}
