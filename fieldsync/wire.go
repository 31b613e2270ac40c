// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models for the sync HTTP API.
// User and device identity come from the JWT claims, not the request body.

// PushRequest uploads a batch of change log entries
type PushRequest struct {
	Entries []EntryUpload `json:"entries"`
}

// EntryUpload is one change log entry on the wire. SourceEntryID is the
// device-local entry id; the server uses (user, device, source_entry_id)
// as its idempotency key, so duplicate pushes of an already-acknowledged
// entry are no-ops.
type EntryUpload struct {
	SourceEntryID string          `json:"source_entry_id"`
	EntityID      string          `json:"entity_id"`
	EntityType    string          `json:"entity_type"`
	Kind          string          `json:"kind"`
	Field         string          `json:"field,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PushResponse carries per-entry results
type PushResponse struct {
	Accepted bool       `json:"accepted"`
	Statuses []EntryAck `json:"statuses"`
}

// EntryAck is the result of processing a single pushed entry. EntityID is
// the server-assigned stable identifier; devices that pushed under a
// temporary local id rename their rows when it differs.
type EntryAck struct {
	SourceEntryID    string          `json:"source_entry_id"`
	EntityID         string          `json:"entity_id,omitempty"`
	Status           string          `json:"status"` // "applied", "conflict", "invalid"
	NewServerVersion *int64          `json:"new_server_version,omitempty"`
	ServerEntity     json.RawMessage `json:"server_entity,omitempty"` // current server state on conflict
	Message          string          `json:"message,omitempty"`
	Invalid          map[string]any  `json:"invalid,omitempty"`
}

// SnapshotResponse is the server-authoritative state of one entity
type SnapshotResponse struct {
	EntityID      string          `json:"entity_id"`
	EntityType    string          `json:"entity_type"`
	Payload       json.RawMessage `json:"payload"`
	ServerVersion int64           `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Entity decodes the snapshot payload into the typed entity model
func (s *SnapshotResponse) Entity() (Entity, error) {
	var e Entity
	if err := json.Unmarshal(s.Payload, &e); err != nil {
		return Entity{}, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	e.ID = s.EntityID
	e.ServerVersion = s.ServerVersion
	e.ServerUpdatedAt = s.UpdatedAt
	return e, nil
}

// NewSnapshotResponse encodes an entity as its wire snapshot
func NewSnapshotResponse(e Entity) (*SnapshotResponse, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot payload: %w", err)
	}
	return &SnapshotResponse{
		EntityID:      e.ID,
		EntityType:    e.Type.String(),
		Payload:       payload,
		ServerVersion: e.ServerVersion,
		UpdatedAt:     e.ServerUpdatedAt,
	}, nil
}

// ToEntryUpload converts a change log entry to its wire form
func (c ChangeEntry) ToEntryUpload(entityType EntityType) EntryUpload {
	return EntryUpload{
		SourceEntryID: c.EntryID,
		EntityID:      c.EntityID,
		EntityType:    entityType.String(),
		Kind:          c.Kind,
		Field:         c.Field,
		Payload:       c.Payload,
		CreatedAt:     c.CreatedAt,
	}
}

// FieldUpdatePayload is the payload of a field_update entry
type FieldUpdatePayload struct {
	Value string `json:"value"`
}

// StatusTransitionPayload is the payload of a status_transition entry
type StatusTransitionPayload struct {
	Status string `json:"status"`
}

// CollectionAppendPayload is the payload of a collection_append entry.
// Exactly one of Media or Note is set depending on the target collection.
type CollectionAppendPayload struct {
	Media *MediaRef `json:"media,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// ErrorResponse is the standardized HTTP error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
