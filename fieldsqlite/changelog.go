// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// AppendChange records one local mutation in the durable change log.
// Returns fieldsync.ErrQueueFull when the bounded queue is at capacity.
// Appending the same mutation twice (same entity, kind, field, payload
// and timestamp) is invisible: the dedupe key makes the second insert a
// no-op and the original entry id is returned.
func (c *Client) AppendChange(ctx context.Context, entityID, kind, field string, payload json.RawMessage, createdAt time.Time) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entryID, err := c.appendChangeTx(ctx, tx, entityID, kind, field, payload, createdAt)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit change log append: %w", err)
	}
	return entryID, nil
}

func (c *Client) appendChangeTx(ctx context.Context, tx *sql.Tx, entityID, kind, field string, payload json.RawMessage, createdAt time.Time) (string, error) {
	dedupeKey := changeDedupeKey(entityID, kind, field, payload, createdAt)

	// Duplicate append: hand back the original entry.
	var existingID string
	err := tx.QueryRowContext(ctx,
		`SELECT entry_id FROM _sync_change_log WHERE dedupe_key = ?`, dedupeKey).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to check dedupe key: %w", err)
	}

	// Capacity counts only non-terminal entries; acknowledged and failed
	// rows awaiting GC do not hold queue slots.
	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_change_log
		WHERE delivery_state IN (?, ?, ?)
	`, fieldsync.DeliveryPending, fieldsync.DeliveryInFlight, fieldsync.DeliveryConflicted).Scan(&pending)
	if err != nil {
		return "", fmt.Errorf("failed to count pending entries: %w", err)
	}
	if pending >= c.config.ChangeLogCapacity {
		return "", fieldsync.ErrQueueFull
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE _sync_client_info SET next_entry_seq = next_entry_seq + 1
		WHERE user_id = ?
		RETURNING next_entry_seq - 1
	`, c.UserID).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("failed to allocate entry sequence: %w", err)
	}

	entryID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_change_log
			(entry_id, entry_seq, entity_id, kind, field, payload, created_at, delivery_state, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entryID, seq, entityID, kind, field, string(payload),
		createdAt.UTC().Format(time.RFC3339Nano), fieldsync.DeliveryPending, dedupeKey)
	if err != nil {
		return "", fmt.Errorf("failed to insert change log entry: %w", err)
	}
	return entryID, nil
}

func changeDedupeKey(entityID, kind, field string, payload json.RawMessage, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(field))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// PendingChanges returns the undelivered entries for one entity in append
// order. Conflicted entries are included - they stay queued until the
// conflict is resolved or expires.
func (c *Client) PendingChanges(ctx context.Context, entityID string) ([]fieldsync.ChangeEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT entry_id, entity_id, kind, field, payload, created_at, delivery_state
		FROM _sync_change_log
		WHERE entity_id = ? AND delivery_state IN (?, ?, ?)
		ORDER BY entry_seq
	`, entityID, fieldsync.DeliveryPending, fieldsync.DeliveryInFlight, fieldsync.DeliveryConflicted)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()
	return scanChangeEntries(rows)
}

func scanChangeEntries(rows *sql.Rows) ([]fieldsync.ChangeEntry, error) {
	var entries []fieldsync.ChangeEntry
	for rows.Next() {
		var e fieldsync.ChangeEntry
		var field, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.EntryID, &e.EntityID, &e.Kind, &field, &payload, &createdAt, &e.State); err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		e.Field = field.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse change entry timestamp: %w", err)
		}
		e.CreatedAt = ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// markInFlight transitions pending entries to in_flight before a push
func (c *Client) markInFlight(ctx context.Context, tx *sql.Tx, entryIDs []string) error {
	for _, id := range entryIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_change_log SET delivery_state = ?
			WHERE entry_id = ? AND delivery_state IN (?, ?)
		`, fieldsync.DeliveryInFlight, id, fieldsync.DeliveryPending, fieldsync.DeliveryConflicted)
		if err != nil {
			return fmt.Errorf("failed to mark entry in flight: %w", err)
		}
	}
	return nil
}

// markDelivered records server acknowledgment. Delivered marks happen only
// after an acked round-trip; calling it again for an already-acknowledged
// entry is a no-op.
func (c *Client) markDelivered(ctx context.Context, tx *sql.Tx, entryID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_change_log
		SET delivery_state = ?, delivered_at = ?
		WHERE entry_id = ? AND delivery_state != ?
	`, fieldsync.DeliveryAcknowledged, at.UTC().Format(time.RFC3339Nano),
		entryID, fieldsync.DeliveryAcknowledged)
	if err != nil {
		return fmt.Errorf("failed to mark entry delivered: %w", err)
	}
	return nil
}

// markConflicted flags an entry the server rejected as conflicting. The
// entry stays queued; conflict resolution decides its fate.
func (c *Client) markConflicted(ctx context.Context, tx *sql.Tx, entryID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_change_log SET delivery_state = ?
		WHERE entry_id = ? AND delivery_state != ?
	`, fieldsync.DeliveryConflicted, entryID, fieldsync.DeliveryAcknowledged)
	if err != nil {
		return fmt.Errorf("failed to mark entry conflicted: %w", err)
	}
	return nil
}

// markEntityFailed transitions every queued entry of an entity to failed
// after bounded retries are exhausted. Failed entries release their queue
// slots but stay in the log until GC so a manual retry can requeue them.
func (c *Client) markEntityFailed(ctx context.Context, entityID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_change_log SET delivery_state = ?
		WHERE entity_id = ? AND delivery_state IN (?, ?, ?)
	`, fieldsync.DeliveryFailed, entityID,
		fieldsync.DeliveryPending, fieldsync.DeliveryInFlight, fieldsync.DeliveryConflicted)
	if err != nil {
		return fmt.Errorf("failed to mark entity entries failed: %w", err)
	}
	return nil
}

// requeueEntry returns a conflicted or failed entry to pending, used when
// a conflict is resolved in favor of the local value
func (c *Client) requeueEntry(ctx context.Context, tx *sql.Tx, entryID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_change_log SET delivery_state = ?
		WHERE entry_id = ? AND delivery_state IN (?, ?)
	`, fieldsync.DeliveryPending, entryID, fieldsync.DeliveryConflicted, fieldsync.DeliveryFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	return nil
}

// PendingCount returns the number of queue slots in use
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_change_log
		WHERE delivery_state IN (?, ?, ?)
	`, fieldsync.DeliveryPending, fieldsync.DeliveryInFlight, fieldsync.DeliveryConflicted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// CollectGarbage removes terminal change log entries older than the
// retention window. Returns the number of rows removed.
func (c *Client) CollectGarbage(ctx context.Context) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cutoff := time.Now().Add(-c.config.RetentionWindow).UTC().Format(time.RFC3339Nano)
	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM _sync_change_log
		WHERE delivery_state IN (?, ?)
		  AND COALESCE(delivered_at, created_at) < ?
	`, fieldsync.DeliveryAcknowledged, fieldsync.DeliveryFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to collect change log garbage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Debug("change log GC removed entries", "count", n)
	}
	return n, nil
}
