// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType is the closed set of synchronizable record types.
// Resolution rule tables are keyed by this enum; adding a type without
// extending rulesFor is caught by the totality tests.
type EntityType int

const (
	EntityWorkOrder EntityType = iota
	EntityInspection

	entityTypeCount // sentinel, keep last
)

func (t EntityType) String() string {
	switch t {
	case EntityWorkOrder:
		return "work_order"
	case EntityInspection:
		return "inspection"
	}
	return fmt.Sprintf("EntityType(%d)", int(t))
}

// ParseEntityType converts a wire-level type name to the closed enum
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "work_order":
		return EntityWorkOrder, nil
	case "inspection":
		return EntityInspection, nil
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

func (t EntityType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EntityType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEntityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MediaRef is one element of an entity's append-only media sub-collection.
// Union merges deduplicate by ContentHash, never by collection index.
type MediaRef struct {
	ContentHash string    `json:"content_hash,omitempty"`
	URI         string    `json:"uri"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
}

// Key returns the deduplication key for union merges. ContentHash when
// present, otherwise a digest of the canonical JSON encoding.
func (m MediaRef) Key() string {
	if m.ContentHash != "" {
		return m.ContentHash
	}
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Entity is a synchronizable business record (canonically a work order).
// ServerUpdatedAt is set only by the server, LocalUpdatedAt only by the
// device. Extra carries fields this library version does not understand;
// they round-trip untouched.
type Entity struct {
	ID              string                     `json:"id"`
	Type            EntityType                 `json:"type"`
	Status          Status                     `json:"status"`
	Fields          map[string]string          `json:"fields,omitempty"`
	Notes           string                     `json:"notes,omitempty"`
	Media           []MediaRef                 `json:"media,omitempty"`
	ServerVersion   int64                      `json:"server_version,omitempty"`
	ServerUpdatedAt time.Time                  `json:"server_updated_at,omitempty"`
	LocalUpdatedAt  time.Time                  `json:"local_updated_at,omitempty"`
	Extra           map[string]json.RawMessage `json:"extra,omitempty"`
}

// Clone returns a deep copy so reconciliation never aliases caller state
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	if e.Media != nil {
		out.Media = append([]MediaRef(nil), e.Media...)
	}
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

const localIDPrefix = "local:"

// NewLocalID generates a temporary identifier for an entity created on the
// device before its first sync. The server assigns the stable id.
func NewLocalID() string {
	return localIDPrefix + uuid.New().String()
}

// IsLocalID reports whether id is a device-generated temporary identifier
func IsLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// ChangeEntry records one local mutation awaiting server acknowledgment.
// Entries are never mutated in place; delivery state transitions happen in
// the change log store.
type ChangeEntry struct {
	EntryID   string          `json:"entry_id"`
	EntityID  string          `json:"entity_id"`
	Kind      string          `json:"kind"`
	Field     string          `json:"field,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	State     string          `json:"state"`
}
