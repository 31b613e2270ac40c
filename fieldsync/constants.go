// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Mutation kinds recorded in the device change log
const (
	KindFieldUpdate      = "field_update"
	KindStatusTransition = "status_transition"
	KindCollectionAppend = "collection_append"
)

// Delivery states for change log entries.
// Acknowledged and failed are terminal; terminal entries become eligible
// for garbage collection after the retention window.
const (
	DeliveryPending      = "pending"
	DeliveryInFlight     = "in_flight"
	DeliveryAcknowledged = "acknowledged"
	DeliveryConflicted   = "conflicted"
	DeliveryFailed       = "failed"
)

// Status constants for per-entry push acks
const (
	AckApplied  = "applied"
	AckConflict = "conflict"
	AckInvalid  = "invalid"
)

// Invalid reason constants
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnknownEntityType = "unknown_entity_type"
	ReasonUnknownKind       = "unknown_kind"
	ReasonBatchTooLarge     = "batch_too_large"
	ReasonInternalError     = "internal_error"
)

// Entity sync states exposed to the host application
const (
	SyncStateSynced   = "synced"
	SyncStatePending  = "pending"
	SyncStateConflict = "conflict"
	SyncStateFailed   = "failed"
)
