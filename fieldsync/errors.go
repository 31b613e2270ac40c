// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned synchronously when the change log capacity
	// is exceeded. The append is not retried and existing entries are left
	// untouched; the host must surface the condition to the user.
	ErrQueueFull = errors.New("change log capacity exceeded")

	// ErrNotFound is returned by snapshot lookups for unknown entities
	ErrNotFound = errors.New("entity not found")

	// ErrPassInFlight is returned when a reconciliation pass is already
	// running for the entity. Passes for different entities run in
	// parallel; passes for the same entity are mutually exclusive.
	ErrPassInFlight = errors.New("reconciliation pass already in flight")

	// ErrConflictNotFound is returned when resolving an unknown or
	// already-resolved conflict id
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrIrreconcilableConflict marks merges that require a human choice
	// and are never auto-resolved or silently defaulted
	ErrIrreconcilableConflict = errors.New("irreconcilable conflict requires user choice")
)

// TransportError wraps a transient network or server failure. Retryable
// failures are retried with exponential backoff up to a bound before the
// pass surfaces a SyncFailedError.
type TransportError struct {
	Op         string // "snapshot" or "push"
	StatusCode int    // zero when the request never reached the server
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s failed: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt. Client
// errors other than throttling are permanent; everything else (network
// failures, 5xx, 429) is transient.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

// SyncFailedError is surfaced after bounded retries are exhausted. The
// affected change log entries are marked failed and the host must offer a
// manual retry rather than the coordinator retrying forever silently.
type SyncFailedError struct {
	EntityID string
	Attempts int
	Err      error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync failed for entity %s after %d attempts: %v", e.EntityID, e.Attempts, e.Err)
}

func (e *SyncFailedError) Unwrap() error { return e.Err }
