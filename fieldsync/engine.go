// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements deterministic reconciliation of divergent
// edits to field-service records made while a device was disconnected.
//
// The engine consumes a server-authoritative snapshot, the device's local
// working copy, and the device change log, and produces a merged entity
// plus the list of conflicts that require a human decision. It performs no
// network I/O and no persistence; the fieldsqlite package provides both
// for SQLite-backed devices, and SyncService provides the Postgres-backed
// server system-of-record.
package fieldsync

import (
	"encoding/json"
	"sort"
	"time"
)

// ReconcileOptions carries pass-scoped inputs for a reconciliation.
// Identical options plus identical snapshots and pending entries always
// yield an identical result.
type ReconcileOptions struct {
	// DeviceID is stamped into append-merge attribution markers
	DeviceID string

	// Now is the pass timestamp used for attribution and conflict
	// creation times. Supplied by the caller so the merge stays pure.
	Now time.Time

	// DispatcherAuthority makes a server-side backward move between two
	// pre-working states win over forward progress. See ReconcileStatus.
	DispatcherAuthority bool
}

// ReconciliationResult is the output of one reconcile call. When
// NeedsResolution is set the merged entity must not advance the entity's
// visible status for end users until the conflicts are cleared;
// non-conflicting fields are merged immediately regardless.
type ReconciliationResult struct {
	Merged          Entity
	Conflicts       []ConflictRecord
	NeedsResolution bool
}

// Reconcile merges a server snapshot against the device's working copy and
// its pending change log entries. Pure and deterministic: calling it twice
// with identical inputs yields identical output, which lets the host re-run
// reconciliation after resolving a conflict.
//
// Steps: status via ReconcileStatus, scalar fields via their resolution
// rules, append-only sub-collections via unconditional union merge.
func Reconcile(server, local Entity, pending []ChangeEntry, opts ReconcileOptions) ReconciliationResult {
	merged := server.Clone()
	if merged.ID == "" {
		merged.ID = local.ID
		merged.Type = local.Type
	}
	merged.LocalUpdatedAt = local.LocalUpdatedAt

	// Status merge never consults pending state: the lifecycle index is
	// the authoritative ordering signal, timestamps and edit flags are not.
	pendingFields, _ := pendingEditIndex(pending)

	var conflicts []ConflictRecord

	// (a) lifecycle status
	sm := ReconcileStatus(server.Status, local.Status, opts)
	switch sm.Decision {
	case StatusConflict:
		conflicts = append(conflicts, ConflictRecord{
			ConflictID:         NewConflictID(merged.ID, StatusField, server.Status.String(), local.Status.String()),
			EntityID:           merged.ID,
			Field:              StatusField,
			ServerValue:        server.Status.String(),
			LocalValue:         local.Status.String(),
			RequiresUserChoice: true,
			CreatedAt:          opts.Now,
		})
		// Visible status stays on the server side until the host decides.
		merged.Status = server.Status
	case StatusUseServer, StatusUseLocal:
		merged.Status = sm.Result
	}

	// (b) scalar business fields, in sorted order for determinism
	keys := fieldKeyUnion(server.Fields, local.Fields)
	for _, k := range keys {
		sv := server.Fields[k]
		lv := local.Fields[k]
		outcome := ResolveField(merged.Type, k, sv, lv, pendingFields[k], opts)
		switch outcome.Kind {
		case OutcomeUseServer:
			setField(&merged, k, sv)
		case OutcomeUseLocal:
			setField(&merged, k, lv)
		case OutcomeMerged:
			setField(&merged, k, outcome.Value)
		case OutcomeConflict:
			conflicts = append(conflicts, ConflictRecord{
				ConflictID:         NewConflictID(merged.ID, k, sv, lv),
				EntityID:           merged.ID,
				Field:              k,
				ServerValue:        sv,
				LocalValue:         lv,
				RequiresUserChoice: true,
				CreatedAt:          opts.Now,
			})
			// Server value stays visible; the local value is retained in
			// the conflict record and in the device working copy.
			setField(&merged, k, sv)
		}
	}

	// Free-text notes follow their configured merge rule (append by default)
	notesOutcome := ResolveField(merged.Type, NotesField, server.Notes, local.Notes, pendingFields[NotesField], opts)
	switch notesOutcome.Kind {
	case OutcomeUseServer:
		merged.Notes = server.Notes
	case OutcomeUseLocal:
		merged.Notes = local.Notes
	case OutcomeMerged:
		merged.Notes = notesOutcome.Value
	case OutcomeConflict:
		conflicts = append(conflicts, ConflictRecord{
			ConflictID:         NewConflictID(merged.ID, NotesField, server.Notes, local.Notes),
			EntityID:           merged.ID,
			Field:              NotesField,
			ServerValue:        server.Notes,
			LocalValue:         local.Notes,
			RequiresUserChoice: true,
			CreatedAt:          opts.Now,
		})
		merged.Notes = server.Notes
	}

	// (c) append-only sub-collections have no other valid strategy
	merged.Media = UnionMedia(server.Media, local.Media)

	// Unknown fields round-trip untouched; server side wins on overlap
	merged.Extra = mergeExtra(server, local)

	return ReconciliationResult{
		Merged:          merged,
		Conflicts:       conflicts,
		NeedsResolution: len(conflicts) > 0,
	}
}

// pendingEditIndex derives which fields hold undelivered local mutations
func pendingEditIndex(pending []ChangeEntry) (fields map[string]bool, status bool) {
	fields = make(map[string]bool, len(pending))
	for _, entry := range pending {
		switch entry.Kind {
		case KindFieldUpdate:
			fields[entry.Field] = true
		case KindStatusTransition:
			status = true
		case KindCollectionAppend:
			// Collections merge unconditionally; no per-field edit flag.
		}
	}
	return fields, status
}

func fieldKeyUnion(server, local map[string]string) []string {
	seen := make(map[string]bool, len(server)+len(local))
	for k := range server {
		seen[k] = true
	}
	for k := range local {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setField(e *Entity, field, value string) {
	if value == "" {
		delete(e.Fields, field)
		return
	}
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = value
}

// mergeExtra keeps every unknown field from both sides, server wins on
// overlapping keys. Forward compatibility: a newer schema's fields survive
// a round trip through an older device.
func mergeExtra(server, local Entity) map[string]json.RawMessage {
	if server.Extra == nil && local.Extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(server.Extra)+len(local.Extra))
	for k, v := range local.Extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	for k, v := range server.Extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
