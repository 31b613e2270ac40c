// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// The snapshot store keeps two payloads per entity: the last-known
// server version (the reconciliation base) and the local working copy the
// host application reads and mutates. Host mutations go through the
// Record* helpers so the working copy and the change log always move
// together in one transaction.

// CreateEntity inserts a new device-born entity under a temporary local
// id and queues its initial field state for upload. The server assigns
// the stable id on first sync.
func (c *Client) CreateEntity(ctx context.Context, entityType fieldsync.EntityType, fields map[string]string) (fieldsync.Entity, error) {
	now := time.Now().UTC()
	entity := fieldsync.Entity{
		ID:             fieldsync.NewLocalID(),
		Type:           entityType,
		Status:         fieldsync.StatusCreated,
		Fields:         fields,
		LocalUpdatedAt: now,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.upsertLocalTx(ctx, tx, entity, fieldsync.SyncStatePending); err != nil {
		return fieldsync.Entity{}, err
	}
	for _, field := range sortedFieldKeys(fields) {
		payload, err := json.Marshal(fieldsync.FieldUpdatePayload{Value: fields[field]})
		if err != nil {
			return fieldsync.Entity{}, fmt.Errorf("failed to encode field payload: %w", err)
		}
		if _, err := c.appendChangeTx(ctx, tx, entity.ID, fieldsync.KindFieldUpdate, field, payload, now); err != nil {
			return fieldsync.Entity{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to commit entity create: %w", err)
	}
	return entity, nil
}

// GetEntity loads the local working copy of an entity
func (c *Client) GetEntity(ctx context.Context, entityID string) (fieldsync.Entity, error) {
	var localPayload string
	err := c.DB.QueryRowContext(ctx,
		`SELECT local_payload FROM _sync_entity WHERE entity_id = ?`, entityID).Scan(&localPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return fieldsync.Entity{}, fieldsync.ErrNotFound
	}
	if err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to load entity: %w", err)
	}
	return decodeEntity(localPayload)
}

// GetSyncStatus returns the current sync state of an entity
// ("synced", "pending", "conflict" or "failed")
func (c *Client) GetSyncStatus(ctx context.Context, entityID string) (string, error) {
	var status string
	err := c.DB.QueryRowContext(ctx,
		`SELECT sync_status FROM _sync_entity WHERE entity_id = ?`, entityID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fieldsync.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sync status: %w", err)
	}
	return status, nil
}

// ListEntityIDs returns every tracked entity id, pending-first
func (c *Client) ListEntityIDs(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT entity_id FROM _sync_entity
		ORDER BY sync_status = ? DESC, entity_id
	`, fieldsync.SyncStatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordFieldUpdate applies a scalar field edit to the local working copy
// and queues it for upload
func (c *Client) RecordFieldUpdate(ctx context.Context, entityID, field, value string) error {
	payload, err := json.Marshal(fieldsync.FieldUpdatePayload{Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode field payload: %w", err)
	}
	return c.recordMutation(ctx, entityID, fieldsync.KindFieldUpdate, field, payload,
		func(e *fieldsync.Entity) error {
			if e.Fields == nil {
				e.Fields = make(map[string]string)
			}
			if value == "" {
				delete(e.Fields, field)
			} else {
				e.Fields[field] = value
			}
			return nil
		})
}

// RecordStatusTransition applies a lifecycle transition locally and queues
// it for upload. Transitions out of a terminal status are rejected.
func (c *Client) RecordStatusTransition(ctx context.Context, entityID string, status fieldsync.Status) error {
	payload, err := json.Marshal(fieldsync.StatusTransitionPayload{Status: status.String()})
	if err != nil {
		return fmt.Errorf("failed to encode status payload: %w", err)
	}
	return c.recordMutation(ctx, entityID, fieldsync.KindStatusTransition, fieldsync.StatusField, payload,
		func(e *fieldsync.Entity) error {
			if e.Status.Terminal() && e.Status != status {
				return fmt.Errorf("%w: entity %s is already %s", fieldsync.ErrIrreconcilableConflict, entityID, e.Status)
			}
			e.Status = status
			return nil
		})
}

// RecordMediaAppend adds a media reference to the entity's append-only
// collection and queues it for upload. Re-appending media with the same
// content hash is a no-op locally and on the server.
func (c *Client) RecordMediaAppend(ctx context.Context, entityID string, media fieldsync.MediaRef) error {
	if media.DeviceID == "" {
		media.DeviceID = c.DeviceID
	}
	payload, err := json.Marshal(fieldsync.CollectionAppendPayload{Media: &media})
	if err != nil {
		return fmt.Errorf("failed to encode media payload: %w", err)
	}
	return c.recordMutation(ctx, entityID, fieldsync.KindCollectionAppend, fieldsync.MediaField, payload,
		func(e *fieldsync.Entity) error {
			e.Media = fieldsync.UnionMedia(e.Media, []fieldsync.MediaRef{media})
			return nil
		})
}

// RecordNoteAppend appends a notes block locally and queues it for upload
func (c *Client) RecordNoteAppend(ctx context.Context, entityID, note string) error {
	payload, err := json.Marshal(fieldsync.CollectionAppendPayload{Note: note})
	if err != nil {
		return fmt.Errorf("failed to encode note payload: %w", err)
	}
	now := time.Now().UTC()
	return c.recordMutationAt(ctx, entityID, fieldsync.KindCollectionAppend, fieldsync.NotesField, payload, now,
		func(e *fieldsync.Entity) error {
			e.Notes = fieldsync.AppendMergeText(e.Notes, note, c.DeviceID, now)
			return nil
		})
}

func (c *Client) recordMutation(ctx context.Context, entityID, kind, field string, payload json.RawMessage, apply func(*fieldsync.Entity) error) error {
	return c.recordMutationAt(ctx, entityID, kind, field, payload, time.Now().UTC(), apply)
}

// recordMutationAt updates the local working copy and appends the change
// log entry in a single transaction
func (c *Client) recordMutationAt(ctx context.Context, entityID, kind, field string, payload json.RawMessage, at time.Time, apply func(*fieldsync.Entity) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := c.loadLocalTx(ctx, tx, entityID)
	if err != nil {
		return err
	}
	if err := apply(&entity); err != nil {
		return err
	}
	entity.LocalUpdatedAt = at

	if err := c.upsertLocalTx(ctx, tx, entity, fieldsync.SyncStatePending); err != nil {
		return err
	}
	if _, err := c.appendChangeTx(ctx, tx, entityID, kind, field, payload, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation: %w", err)
	}
	return nil
}

// saveServerSnapshot stores the fetched server state as the new
// reconciliation base
func (c *Client) saveServerSnapshot(ctx context.Context, tx *sql.Tx, snapshot *fieldsync.SnapshotResponse) error {
	entity, err := snapshot.Entity()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode server snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_entity
		SET server_payload = ?, server_version = ?, entity_type = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE entity_id = ?
	`, string(payload), snapshot.ServerVersion, snapshot.EntityType, snapshot.EntityID)
	if err != nil {
		return fmt.Errorf("failed to save server snapshot: %w", err)
	}
	return nil
}

// AdoptServerEntity seeds a previously unknown entity from a server
// snapshot (e.g., a work order assigned to this device by dispatch)
func (c *Client) AdoptServerEntity(ctx context.Context, snapshot *fieldsync.SnapshotResponse) (fieldsync.Entity, error) {
	entity, err := snapshot.Entity()
	if err != nil {
		return fieldsync.Entity{}, err
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to encode server snapshot: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO _sync_entity (entity_id, entity_type, server_payload, local_payload, server_version, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			server_payload = excluded.server_payload,
			server_version = excluded.server_version
	`, entity.ID, snapshot.EntityType, string(payload), string(payload),
		snapshot.ServerVersion, fieldsync.SyncStateSynced)
	if err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to adopt server entity: %w", err)
	}
	return entity, nil
}

// saveMerged persists a reconciliation outcome: the merged entity becomes
// the local working copy and the sync status reflects whether conflicts
// remain.
func (c *Client) saveMerged(ctx context.Context, tx *sql.Tx, merged fieldsync.Entity, syncStatus string) error {
	return c.upsertLocalTx(ctx, tx, merged, syncStatus)
}

func (c *Client) loadLocalTx(ctx context.Context, tx *sql.Tx, entityID string) (fieldsync.Entity, error) {
	var localPayload string
	err := tx.QueryRowContext(ctx,
		`SELECT local_payload FROM _sync_entity WHERE entity_id = ?`, entityID).Scan(&localPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return fieldsync.Entity{}, fieldsync.ErrNotFound
	}
	if err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to load entity: %w", err)
	}
	return decodeEntity(localPayload)
}

// loadPairTx returns the server base (nil when the entity has never
// synced) and the local working copy
func (c *Client) loadPairTx(ctx context.Context, tx *sql.Tx, entityID string) (*fieldsync.Entity, fieldsync.Entity, error) {
	var serverPayload sql.NullString
	var localPayload string
	err := tx.QueryRowContext(ctx, `
		SELECT server_payload, local_payload FROM _sync_entity WHERE entity_id = ?
	`, entityID).Scan(&serverPayload, &localPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fieldsync.Entity{}, fieldsync.ErrNotFound
	}
	if err != nil {
		return nil, fieldsync.Entity{}, fmt.Errorf("failed to load entity pair: %w", err)
	}

	local, err := decodeEntity(localPayload)
	if err != nil {
		return nil, fieldsync.Entity{}, err
	}
	if !serverPayload.Valid || serverPayload.String == "" {
		return nil, local, nil
	}
	server, err := decodeEntity(serverPayload.String)
	if err != nil {
		return nil, fieldsync.Entity{}, err
	}
	return &server, local, nil
}

func (c *Client) upsertLocalTx(ctx context.Context, tx *sql.Tx, entity fieldsync.Entity, syncStatus string) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_entity (entity_id, entity_type, local_payload, server_version, sync_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			local_payload = excluded.local_payload,
			server_version = excluded.server_version,
			sync_status = excluded.sync_status,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, entity.ID, entity.Type.String(), string(payload), entity.ServerVersion, syncStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// setSyncStatusTx updates only the sync state column
func (c *Client) setSyncStatusTx(ctx context.Context, tx *sql.Tx, entityID, syncStatus string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_entity SET sync_status = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE entity_id = ?
	`, syncStatus, entityID)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// renameEntityTx moves all rows from a temporary local id to the
// server-assigned stable id after the first acknowledged push
func (c *Client) renameEntityTx(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	for _, stmt := range []string{
		`UPDATE _sync_entity SET entity_id = ? WHERE entity_id = ?`,
		`UPDATE _sync_change_log SET entity_id = ? WHERE entity_id = ?`,
		`UPDATE _sync_conflict SET entity_id = ? WHERE entity_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, newID, oldID); err != nil {
			return fmt.Errorf("failed to rename entity %s -> %s: %w", oldID, newID, err)
		}
	}

	// The payload carries its own id copy.
	entity, err := c.loadLocalTx(ctx, tx, newID)
	if err != nil {
		return err
	}
	entity.ID = newID
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode renamed entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_entity SET local_payload = ? WHERE entity_id = ?`, string(payload), newID); err != nil {
		return fmt.Errorf("failed to update renamed payload: %w", err)
	}
	return nil
}

func decodeEntity(payload string) (fieldsync.Entity, error) {
	var e fieldsync.Entity
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return fieldsync.Entity{}, fmt.Errorf("failed to decode entity payload: %w", err)
	}
	return e, nil
}

func sortedFieldKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
