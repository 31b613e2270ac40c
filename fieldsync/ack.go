// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
)

// ackApplied creates a status for successfully applied entries with the new server version
func ackApplied(sourceEntryID string, newVer int64) EntryAck {
	return EntryAck{
		SourceEntryID:    sourceEntryID,
		Status:           AckApplied,
		NewServerVersion: &newVer,
	}
}

// ackAppliedIdempotent creates a status for entries already processed earlier
func ackAppliedIdempotent(sourceEntryID string, recordedVer *int64) EntryAck {
	return EntryAck{
		SourceEntryID:    sourceEntryID,
		Status:           AckApplied,
		NewServerVersion: recordedVer,
	}
}

// ackConflict creates a status for merges requiring a device-side decision,
// carrying the current server entity
func ackConflict(sourceEntryID string, serverEntity json.RawMessage) EntryAck {
	return EntryAck{
		SourceEntryID: sourceEntryID,
		Status:        AckConflict,
		ServerEntity:  serverEntity,
	}
}

// ackInvalid creates a status for validation failures
func ackInvalid(sourceEntryID, reason string, err error) EntryAck {
	ack := EntryAck{
		SourceEntryID: sourceEntryID,
		Status:        AckInvalid,
		Invalid: map[string]any{
			"reason": reason,
		},
	}
	if err != nil {
		ack.Message = err.Error()
		ack.Invalid["details"] = map[string]any{"error": err.Error()}
	}
	return ack
}
