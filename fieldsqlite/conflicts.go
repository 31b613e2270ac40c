// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// insertConflictTx records an unresolved conflict. Conflict ids are
// content-addressed, so re-surfacing the same divergence on a later pass
// is a no-op rather than a duplicate row.
func (c *Client) insertConflictTx(ctx context.Context, tx *sql.Tx, conflict fieldsync.ConflictRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _sync_conflict
			(conflict_id, entity_id, field, server_value, local_value, requires_choice, admin_notice, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, conflict.ConflictID, conflict.EntityID, conflict.Field,
		conflict.ServerValue, conflict.LocalValue,
		boolToInt(conflict.RequiresUserChoice), boolToInt(conflict.AdminNotice),
		conflict.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// GetPendingConflicts returns the unresolved conflicts for the host to
// surface, after expiring stale ones. Expired conflicts auto-resolve to
// the server value with an administrator-notice flag; they never block
// indefinitely. The summary carries the overload signal when too many
// conflicts are pending at once.
func (c *Client) GetPendingConflicts(ctx context.Context) (fieldsync.ConflictSummary, error) {
	all, err := c.loadUnresolved(ctx)
	if err != nil {
		return fieldsync.ConflictSummary{}, err
	}

	live, expired := fieldsync.ExpireStale(all, c.config.StaleConflictThreshold, time.Now().UTC())
	for _, conflict := range expired {
		if err := c.autoResolveStale(ctx, conflict); err != nil {
			return fieldsync.ConflictSummary{}, err
		}
		c.logger.Warn("stale conflict auto-resolved to server value",
			"conflict_id", conflict.ConflictID,
			"entity_id", conflict.EntityID,
			"field", conflict.Field)
	}

	return fieldsync.Summarize(live, c.config.ConflictOverloadThreshold), nil
}

// ResolveConflict applies the host's decision for one conflict.
// KeepServer writes the server value into the local working copy and
// supersedes the conflicted change log entries for the field. KeepLocal
// requeues them so the next pass re-pushes the local value.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, choice fieldsync.ResolutionChoice) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conflict, err := c.loadConflictTx(ctx, tx, conflictID)
	if err != nil {
		return err
	}

	if err := c.applyResolutionTx(ctx, tx, conflict, choice); err != nil {
		return err
	}
	if err := c.markConflictResolvedTx(ctx, tx, conflictID, choice.String()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict resolution: %w", err)
	}
	return nil
}

func (c *Client) applyResolutionTx(ctx context.Context, tx *sql.Tx, conflict fieldsync.ConflictRecord, choice fieldsync.ResolutionChoice) error {
	entity, err := c.loadLocalTx(ctx, tx, conflict.EntityID)
	if err != nil {
		return err
	}

	switch choice {
	case fieldsync.KeepServer:
		if err := applyConflictValue(&entity, conflict.Field, conflict.ServerValue); err != nil {
			return err
		}
		if err := c.supersedeFieldEntriesTx(ctx, tx, conflict.EntityID, conflict.Field); err != nil {
			return err
		}
	case fieldsync.KeepLocal:
		if err := applyConflictValue(&entity, conflict.Field, conflict.LocalValue); err != nil {
			return err
		}
		if err := c.requeueFieldEntriesTx(ctx, tx, conflict.EntityID, conflict.Field); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution choice %d", choice)
	}

	// Remaining unresolved conflicts keep the entity in conflict state.
	remaining, err := c.countUnresolvedTx(ctx, tx, conflict.EntityID, conflict.ConflictID)
	if err != nil {
		return err
	}
	syncStatus := fieldsync.SyncStatePending
	if remaining > 0 {
		syncStatus = fieldsync.SyncStateConflict
	}
	return c.upsertLocalTx(ctx, tx, entity, syncStatus)
}

// applyConflictValue writes a resolved value into the working copy
func applyConflictValue(entity *fieldsync.Entity, field, value string) error {
	switch field {
	case fieldsync.StatusField:
		status, err := fieldsync.ParseStatus(value)
		if err != nil {
			return fmt.Errorf("conflict carries invalid status %q: %w", value, err)
		}
		entity.Status = status
	case fieldsync.NotesField:
		entity.Notes = value
	default:
		if entity.Fields == nil {
			entity.Fields = make(map[string]string)
		}
		if value == "" {
			delete(entity.Fields, field)
		} else {
			entity.Fields[field] = value
		}
	}
	return nil
}

// autoResolveStale applies the server value for an expired conflict and
// marks the record resolved with the administrator-notice flag set
func (c *Client) autoResolveStale(ctx context.Context, conflict fieldsync.ConflictRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.applyResolutionTx(ctx, tx, conflict, fieldsync.KeepServer); err != nil {
		// Entity may be gone; still retire the conflict record.
		if !errors.Is(err, fieldsync.ErrNotFound) {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_conflict SET resolved = 1, resolved_choice = ?, admin_notice = 1
		WHERE conflict_id = ?
	`, fieldsync.KeepServer.String(), conflict.ConflictID); err != nil {
		return fmt.Errorf("failed to retire stale conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stale conflict expiry: %w", err)
	}
	return nil
}

// supersedeFieldEntriesTx retires the conflicted change log entries for a
// field after the server value won. The entries stay in the log as
// acknowledged history until GC.
func (c *Client) supersedeFieldEntriesTx(ctx context.Context, tx *sql.Tx, entityID, field string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_change_log
		SET delivery_state = ?, delivered_at = ?
		WHERE entity_id = ? AND field = ? AND delivery_state IN (?, ?)
	`, fieldsync.DeliveryAcknowledged, time.Now().UTC().Format(time.RFC3339Nano),
		entityID, field, fieldsync.DeliveryConflicted, fieldsync.DeliveryFailed)
	if err != nil {
		return fmt.Errorf("failed to supersede field entries: %w", err)
	}
	return nil
}

// requeueFieldEntriesTx returns conflicted entries for a field to pending
// so the next pass re-pushes the local value
func (c *Client) requeueFieldEntriesTx(ctx context.Context, tx *sql.Tx, entityID, field string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_change_log SET delivery_state = ?
		WHERE entity_id = ? AND field = ? AND delivery_state IN (?, ?)
	`, fieldsync.DeliveryPending, entityID, field,
		fieldsync.DeliveryConflicted, fieldsync.DeliveryFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue field entries: %w", err)
	}
	return nil
}

func (c *Client) loadConflictTx(ctx context.Context, tx *sql.Tx, conflictID string) (fieldsync.ConflictRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT conflict_id, entity_id, field, server_value, local_value,
		       requires_choice, admin_notice, created_at
		FROM _sync_conflict
		WHERE conflict_id = ? AND resolved = 0
	`, conflictID)
	conflict, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fieldsync.ConflictRecord{}, fieldsync.ErrConflictNotFound
	}
	return conflict, err
}

func (c *Client) loadUnresolved(ctx context.Context) ([]fieldsync.ConflictRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT conflict_id, entity_id, field, server_value, local_value,
		       requires_choice, admin_notice, created_at
		FROM _sync_conflict
		WHERE resolved = 0
		ORDER BY created_at, conflict_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []fieldsync.ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

func (c *Client) countUnresolvedTx(ctx context.Context, tx *sql.Tx, entityID, excludeConflictID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_conflict
		WHERE entity_id = ? AND resolved = 0 AND conflict_id != ?
	`, entityID, excludeConflictID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved conflicts: %w", err)
	}
	return n, nil
}

func (c *Client) markConflictResolvedTx(ctx context.Context, tx *sql.Tx, conflictID, choice string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE _sync_conflict SET resolved = 1, resolved_choice = ?
		WHERE conflict_id = ? AND resolved = 0
	`, choice, conflictID)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fieldsync.ErrConflictNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (fieldsync.ConflictRecord, error) {
	var conflict fieldsync.ConflictRecord
	var serverValue, localValue sql.NullString
	var requiresChoice, adminNotice int
	var createdAt string
	err := row.Scan(&conflict.ConflictID, &conflict.EntityID, &conflict.Field,
		&serverValue, &localValue, &requiresChoice, &adminNotice, &createdAt)
	if err != nil {
		return fieldsync.ConflictRecord{}, err
	}
	conflict.ServerValue = serverValue.String
	conflict.LocalValue = localValue.String
	conflict.RequiresUserChoice = requiresChoice == 1
	conflict.AdminNotice = adminNotice == 1
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fieldsync.ConflictRecord{}, fmt.Errorf("failed to parse conflict timestamp: %w", err)
	}
	conflict.CreatedAt = ts
	return conflict, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
