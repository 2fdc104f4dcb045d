// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"
)

// StorageError reports a local persistence failure (serialization, quota,
// corrupt handle). It is never caused by network state and is not retried:
// callers surface it immediately.
type StorageError struct {
	Op         string // "save", "get", "delete", ...
	Collection string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s on %q failed: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, collection string, err error) error {
	return &StorageError{Op: op, Collection: collection, Err: err}
}
