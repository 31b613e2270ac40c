// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// SyncEntity runs one reconciliation pass for a single entity:
// fetch server snapshot, drain pending changes, reconcile, persist the
// merged result and surviving conflicts, push the change log, process
// acks. Returns fieldsync.ErrPassInFlight when a pass for the same
// entity is already running; passes for different entities run in
// parallel.
func (c *Client) SyncEntity(ctx context.Context, entityID string) error {
	if c.paused() {
		return nil
	}
	if err := c.acquireEntity(entityID); err != nil {
		return err
	}
	defer c.releaseEntity(entityID)

	passStart := c.stageStart()
	err := c.syncEntityPass(ctx, entityID)
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStageTotal, passStart, 1, 1, err != nil)

	var syncFailed *fieldsync.SyncFailedError
	if errors.As(err, &syncFailed) && c.OnSyncFailed != nil {
		c.OnSyncFailed(entityID, err)
	}
	return err
}

func (c *Client) syncEntityPass(ctx context.Context, entityID string) error {
	// Stage 1: server snapshot. Unknown-to-server entities (device-born,
	// not yet pushed) reconcile against an empty baseline.
	start := c.stageStart()
	var snapshot *fieldsync.SnapshotResponse
	err := c.withRetry(ctx, entityID, func() error {
		var ferr error
		snapshot, ferr = c.Transport.FetchSnapshot(ctx, entityID)
		if errors.Is(ferr, fieldsync.ErrNotFound) {
			snapshot = nil
			return nil
		}
		return ferr
	})
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStagePassSnapshot, start, 1, 1, err != nil)
	if err != nil {
		return err
	}

	// Stage 2: drain pending changes for this entity.
	start = c.stageStart()
	pending, err := c.PendingChanges(ctx, entityID)
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStagePassDrain, start, len(pending), 1, err != nil)
	if err != nil {
		return err
	}

	// Stage 3+4: reconcile and persist in one transaction.
	entityType, err := c.reconcileAndPersist(ctx, entityID, snapshot, pending)
	if err != nil {
		return err
	}

	// Stage 5: push the drained entries and process acks. Delivery marks
	// happen only after the acked round-trip, so a crash between push and
	// ack re-sends entries the server dedupes by source entry id.
	finalID := entityID
	if len(pending) > 0 {
		finalID, err = c.pushAndAck(ctx, entityID, entityType, pending)
		if err != nil {
			return err
		}
	}

	c.noteSynced(ctx, finalID)

	if c.OnConflicts != nil {
		summary, err := c.GetPendingConflicts(ctx)
		if err == nil && len(summary.Pending) > 0 {
			c.OnConflicts(summary)
		}
	}
	return nil
}

// reconcileAndPersist merges the fetched snapshot against the local
// working copy and writes the outcome. Returns the entity type for the
// subsequent push.
func (c *Client) reconcileAndPersist(ctx context.Context, entityID string, snapshot *fieldsync.SnapshotResponse, pending []fieldsync.ChangeEntry) (fieldsync.EntityType, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if snapshot != nil {
		if err := c.saveServerSnapshot(ctx, tx, snapshot); err != nil {
			return 0, err
		}
	}

	server, local, err := c.loadPairTx(ctx, tx, entityID)
	if err != nil {
		return 0, err
	}

	start := c.stageStart()
	var serverEntity fieldsync.Entity
	if server != nil {
		serverEntity = *server
	}
	result := fieldsync.Reconcile(serverEntity, local, pending, fieldsync.ReconcileOptions{
		DeviceID:            c.DeviceID,
		Now:                 time.Now().UTC(),
		DispatcherAuthority: c.config.DispatcherAuthority,
	})
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStagePassReconcile, start, len(result.Conflicts), 1, false)

	start = c.stageStart()
	syncStatus := fieldsync.SyncStateSynced
	if len(pending) > 0 {
		syncStatus = fieldsync.SyncStatePending
	}
	if result.NeedsResolution {
		syncStatus = fieldsync.SyncStateConflict
	}
	if err := c.saveMerged(ctx, tx, result.Merged, syncStatus); err != nil {
		return 0, err
	}
	for _, conflict := range result.Conflicts {
		if err := c.insertConflictTx(ctx, tx, conflict); err != nil {
			return 0, err
		}
	}
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStagePassPersist, start, len(result.Conflicts), 1, false)

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return result.Merged.Type, nil
}

// pushAndAck uploads pending entries and applies the per-entry acks.
// Returns the entity's final id, which differs from entityID when the
// server minted a stable id for a device-born entity.
func (c *Client) pushAndAck(ctx context.Context, entityID string, entityType fieldsync.EntityType, pending []fieldsync.ChangeEntry) (string, error) {
	uploads := make([]fieldsync.EntryUpload, 0, len(pending))
	entryIDs := make([]string, 0, len(pending))
	for _, entry := range pending {
		uploads = append(uploads, entry.ToEntryUpload(entityType))
		entryIDs = append(entryIDs, entry.EntryID)
	}

	start := c.stageStart()
	var resp *fieldsync.PushResponse
	err := c.withRetry(ctx, entityID, func() error {
		var perr error
		resp, perr = c.Transport.PushEntries(ctx, uploads)
		return perr
	})
	c.observeStage(ctx, fieldsync.MetricsOpPass, fieldsync.MetricsStagePassPush, start, len(uploads), 1, err != nil)
	if err != nil {
		return entityID, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return entityID, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.markInFlight(ctx, tx, entryIDs); err != nil {
		return entityID, err
	}

	now := time.Now().UTC()
	renamedTo := ""
	for _, ack := range resp.Statuses {
		switch ack.Status {
		case fieldsync.AckApplied:
			if err := c.markDelivered(ctx, tx, ack.SourceEntryID, now); err != nil {
				return entityID, err
			}
			if ack.EntityID != "" && ack.EntityID != entityID && fieldsync.IsLocalID(entityID) {
				renamedTo = ack.EntityID
			}
		case fieldsync.AckConflict:
			if err := c.markConflicted(ctx, tx, ack.SourceEntryID); err != nil {
				return entityID, err
			}
			// The ack carries the server's current state; record it as
			// the new base so the next pass reconciles against it.
			if len(ack.ServerEntity) > 0 {
				if err := c.recordConflictBaseTx(ctx, tx, entityID, ack.ServerEntity); err != nil {
					return entityID, err
				}
			}
			if err := c.setSyncStatusTx(ctx, tx, entityID, fieldsync.SyncStateConflict); err != nil {
				return entityID, err
			}
		case fieldsync.AckInvalid:
			c.logger.Warn("server rejected change entry",
				"entry_id", ack.SourceEntryID, "entity_id", entityID, "detail", ack.Invalid)
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_change_log SET delivery_state = ? WHERE entry_id = ?
			`, fieldsync.DeliveryFailed, ack.SourceEntryID); err != nil {
				return entityID, fmt.Errorf("failed to mark entry invalid: %w", err)
			}
		}
	}

	finalID := entityID
	if renamedTo != "" {
		if err := c.renameEntityTx(ctx, tx, entityID, renamedTo); err != nil {
			return entityID, err
		}
		finalID = renamedTo
	}

	if err := tx.Commit(); err != nil {
		return entityID, fmt.Errorf("failed to commit push acks: %w", err)
	}
	return finalID, nil
}

// recordConflictBaseTx stores the server entity attached to a conflict ack
func (c *Client) recordConflictBaseTx(ctx context.Context, tx *sql.Tx, entityID string, serverEntity json.RawMessage) error {
	var entity fieldsync.Entity
	if err := json.Unmarshal(serverEntity, &entity); err != nil {
		return fmt.Errorf("failed to decode conflict server entity: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_entity SET server_payload = ?, server_version = ?
		WHERE entity_id = ?
	`, string(serverEntity), entity.ServerVersion, entityID)
	if err != nil {
		return fmt.Errorf("failed to record conflict base: %w", err)
	}
	return nil
}

// noteSynced promotes the entity to synced when nothing is queued or
// unresolved, and stamps the client sync watermark
func (c *Client) noteSynced(ctx context.Context, entityID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_entity SET sync_status = ?
		WHERE entity_id = ?
		  AND sync_status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM _sync_change_log
			WHERE entity_id = ? AND delivery_state IN (?, ?, ?)
		  )
	`, fieldsync.SyncStateSynced, entityID, fieldsync.SyncStatePending, entityID,
		fieldsync.DeliveryPending, fieldsync.DeliveryInFlight, fieldsync.DeliveryConflicted)
	if err != nil {
		c.logger.Warn("failed to promote entity to synced", "entity_id", entityID, "error", err)
		return
	}
	_, err = c.DB.ExecContext(ctx, `
		UPDATE _sync_client_info SET last_synced_at = ? WHERE user_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), c.UserID)
	if err != nil {
		c.logger.Warn("failed to stamp sync watermark", "error", err)
	}
}

// SyncAll runs a reconciliation pass for every tracked entity. Entities
// whose pass is already in flight are skipped. The first failure is
// returned after the remaining entities have been attempted.
func (c *Client) SyncAll(ctx context.Context) error {
	ids, err := c.ListEntityIDs(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		if err := c.SyncEntity(ctx, id); err != nil {
			if errors.Is(err, fieldsync.ErrPassInFlight) {
				continue
			}
			c.logger.Warn("sync pass failed", "entity_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run drives periodic reconciliation passes until the context is
// cancelled. Stale conflicts are expired and change log garbage is
// collected on the same cadence.
func (c *Client) Run(ctx context.Context) error {
	interval := c.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.paused() {
				continue
			}
			if err := c.SyncAll(ctx); err != nil {
				c.logger.Warn("periodic sync pass finished with errors", "error", err)
			}
			if _, err := c.GetPendingConflicts(ctx); err != nil {
				c.logger.Warn("failed to expire stale conflicts", "error", err)
			}
			if _, err := c.CollectGarbage(ctx); err != nil {
				c.logger.Warn("change log GC failed", "error", err)
			}
		}
	}
}

// withRetry runs op with bounded exponential backoff. Only retryable
// transport failures are retried; permanent failures surface immediately.
// When attempts are exhausted the entity's queued entries are marked
// failed and a SyncFailedError is returned.
func (c *Client) withRetry(ctx context.Context, entityID string, op func() error) error {
	maxAttempts := c.config.MaxSyncAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var terr *fieldsync.TransportError
		if !errors.As(lastErr, &terr) || !terr.Retryable() {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		delay := c.backoffDelay(attempt)
		c.logger.Debug("retrying after transport failure",
			"entity_id", entityID, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
	}

	if err := c.markEntityFailed(ctx, entityID); err != nil {
		c.logger.Warn("failed to mark entity entries failed", "entity_id", entityID, "error", err)
	}
	c.markEntityStatusFailed(ctx, entityID)
	return &fieldsync.SyncFailedError{EntityID: entityID, Attempts: maxAttempts, Err: lastErr}
}

func (c *Client) markEntityStatusFailed(ctx context.Context, entityID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_entity SET sync_status = ? WHERE entity_id = ?
	`, fieldsync.SyncStateFailed, entityID); err != nil {
		c.logger.Warn("failed to mark entity failed", "entity_id", entityID, "error", err)
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.config.BackoffMin
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.config.BackoffMax > 0 && delay >= c.config.BackoffMax {
			return c.config.BackoffMax
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
