// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ConflictRecord is produced when a field-level or status-level merge
// cannot be resolved automatically. Records are transient: they exist
// until the host resolves them or they auto-expire as stale.
type ConflictRecord struct {
	ConflictID         string    `json:"conflict_id"`
	EntityID           string    `json:"entity_id"`
	Field              string    `json:"field"` // StatusField for lifecycle conflicts
	ServerValue        string    `json:"server_value"`
	LocalValue         string    `json:"local_value"`
	RequiresUserChoice bool      `json:"requires_user_choice"`
	AdminNotice        bool      `json:"admin_notice,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ResolutionChoice is the host's answer to a conflict requiring a decision
type ResolutionChoice int

const (
	KeepServer ResolutionChoice = iota
	KeepLocal
)

func (c ResolutionChoice) String() string {
	switch c {
	case KeepServer:
		return "keep_server"
	case KeepLocal:
		return "keep_local"
	}
	return "unknown"
}

// ParseResolutionChoice converts a persisted choice name back to the enum
func ParseResolutionChoice(s string) (ResolutionChoice, bool) {
	switch s {
	case "keep_server":
		return KeepServer, true
	case "keep_local":
		return KeepLocal, true
	}
	return 0, false
}

// NewConflictID derives a content-addressed identifier. The same divergence
// always yields the same id, which keeps Reconcile deterministic and makes
// re-surfacing an unresolved conflict a natural no-op.
func NewConflictID(entityID, field, serverValue, localValue string) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(field))
	h.Write([]byte{0})
	h.Write([]byte(serverValue))
	h.Write([]byte{0})
	h.Write([]byte(localValue))
	return "cf-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// DefaultStaleThreshold is how long a conflict may sit unresolved before it
// auto-resolves to the server value. Indefinite blocking is worse than a
// logged override.
const DefaultStaleThreshold = 72 * time.Hour

// DefaultOverloadThreshold is the number of simultaneous unresolved
// conflicts past which the host should degrade to a "contact support"
// surface instead of an unbounded resolution queue.
const DefaultOverloadThreshold = 25

// ExpireStale partitions conflicts into still-live and stale. Stale records
// are returned flagged for administrator notice; the caller applies the
// server value and persists the override.
func ExpireStale(conflicts []ConflictRecord, threshold time.Duration, now time.Time) (live, expired []ConflictRecord) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	for _, c := range conflicts {
		if now.Sub(c.CreatedAt) >= threshold {
			c.RequiresUserChoice = false
			c.AdminNotice = true
			expired = append(expired, c)
			continue
		}
		live = append(live, c)
	}
	return live, expired
}

// ConflictSummary is the unresolved-conflict surface handed to the host
type ConflictSummary struct {
	Pending    []ConflictRecord `json:"pending"`
	Overloaded bool             `json:"overloaded"`
}

// Summarize wraps pending conflicts with the overload signal
func Summarize(pending []ConflictRecord, overloadThreshold int) ConflictSummary {
	if overloadThreshold <= 0 {
		overloadThreshold = DefaultOverloadThreshold
	}
	return ConflictSummary{
		Pending:    pending,
		Overloaded: len(pending) > overloadThreshold,
	}
}
