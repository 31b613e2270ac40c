// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Full happy path for a device-born work order: local create, offline
// edits, first sync. The server mints a stable id and the device renames
// its rows.
func TestSyncEntity_DeviceBornEntityGetsStableID(t *testing.T) {
	transport := &fakeTransport{}
	transport.pushFn = func(entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
		resp := &fieldsync.PushResponse{Accepted: true}
		for _, e := range entries {
			ver := int64(1)
			resp.Statuses = append(resp.Statuses, fieldsync.EntryAck{
				SourceEntryID:    e.SourceEntryID,
				EntityID:         "wo-stable-1", // server-assigned
				Status:           fieldsync.AckApplied,
				NewServerVersion: &ver,
			})
		}
		return resp, nil
	}
	client := newTestClient(t, transport)
	ctx := context.Background()

	entity, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, map[string]string{"priority": "high"})
	require.NoError(t, err)
	require.True(t, fieldsync.IsLocalID(entity.ID))

	require.NoError(t, client.SyncEntity(ctx, entity.ID))

	// Old id is gone, stable id carries the data.
	_, err = client.GetEntity(ctx, entity.ID)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)

	renamed, err := client.GetEntity(ctx, "wo-stable-1")
	require.NoError(t, err)
	require.Equal(t, "high", renamed.Fields["priority"])

	status, err := client.GetSyncStatus(ctx, "wo-stable-1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStateSynced, status)

	count, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

// Dispatcher changed the priority server-side while the technician wrote
// a completion report and advanced the status offline. One pass merges
// both without human involvement.
func TestSyncEntity_CleanMerge(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()

	_, err := client.AdoptServerEntity(ctx, mustSnapshot(t, fieldsync.Entity{
		ID:            "wo-1",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusScheduled,
		Fields:        map[string]string{"priority": "normal", "assignee": "alice"},
		ServerVersion: 1,
	}))
	require.NoError(t, err)

	require.NoError(t, client.RecordStatusTransition(ctx, "wo-1", fieldsync.StatusWorking))
	require.NoError(t, client.RecordFieldUpdate(ctx, "wo-1", "completion_report", "replaced valve"))

	// Server moved on while the device was offline.
	transport.setSnapshot(fieldsync.Entity{
		ID:            "wo-1",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusScheduled,
		Fields:        map[string]string{"priority": "urgent", "assignee": "alice"},
		ServerVersion: 2,
	})

	require.NoError(t, client.SyncEntity(ctx, "wo-1"))

	merged, err := client.GetEntity(ctx, "wo-1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusWorking, merged.Status)
	require.Equal(t, "urgent", merged.Fields["priority"])
	require.Equal(t, "replaced valve", merged.Fields["completion_report"])

	status, err := client.GetSyncStatus(ctx, "wo-1")
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStateSynced, status)
}

// Device completed the job offline, admin cancelled it server-side. The
// pass surfaces the conflict, keeps the entry queued, and the host
// resolution requeues the local claim.
func TestSyncEntity_TerminalConflictAndResolution(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()

	serverEntity := fieldsync.Entity{
		ID:            "wo-2",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusWorking,
		ServerVersion: 1,
	}
	_, err := client.AdoptServerEntity(ctx, mustSnapshot(t, serverEntity))
	require.NoError(t, err)
	require.NoError(t, client.RecordStatusTransition(ctx, "wo-2", fieldsync.StatusCompleted))

	cancelled := serverEntity
	cancelled.Status = fieldsync.StatusCancelled
	cancelled.ServerVersion = 2
	transport.setSnapshot(cancelled)

	cancelledJSON, err := json.Marshal(cancelled)
	require.NoError(t, err)
	transport.pushFn = func(entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
		resp := &fieldsync.PushResponse{Accepted: true}
		for _, e := range entries {
			resp.Statuses = append(resp.Statuses, fieldsync.EntryAck{
				SourceEntryID: e.SourceEntryID,
				EntityID:      e.EntityID,
				Status:        fieldsync.AckConflict,
				ServerEntity:  cancelledJSON,
			})
		}
		return resp, nil
	}

	var notified fieldsync.ConflictSummary
	client.OnConflicts = func(summary fieldsync.ConflictSummary) { notified = summary }

	require.NoError(t, client.SyncEntity(ctx, "wo-2"))

	status, err := client.GetSyncStatus(ctx, "wo-2")
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStateConflict, status)

	// Visible status stays on the server side until resolved.
	entity, err := client.GetEntity(ctx, "wo-2")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusCancelled, entity.Status)

	require.Len(t, notified.Pending, 1)
	conflict := notified.Pending[0]
	require.Equal(t, fieldsync.StatusField, conflict.Field)
	require.Equal(t, "cancelled", conflict.ServerValue)
	require.Equal(t, "completed", conflict.LocalValue)
	require.True(t, conflict.RequiresUserChoice)

	// The technician insists the job was done.
	require.NoError(t, client.ResolveConflict(ctx, conflict.ConflictID, fieldsync.KeepLocal))

	entity, err = client.GetEntity(ctx, "wo-2")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusCompleted, entity.Status)

	// The status entry is queued again for the next pass.
	pending, err := client.PendingChanges(ctx, "wo-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, fieldsync.KindStatusTransition, pending[0].Kind)
	require.Equal(t, fieldsync.DeliveryPending, pending[0].State)

	// Resolving the same conflict twice fails.
	err = client.ResolveConflict(ctx, conflict.ConflictID, fieldsync.KeepLocal)
	require.ErrorIs(t, err, fieldsync.ErrConflictNotFound)
}

func TestResolveConflict_KeepServerSupersedesEntries(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()

	serverEntity := fieldsync.Entity{
		ID:            "wo-3",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusWorking,
		ServerVersion: 1,
	}
	_, err := client.AdoptServerEntity(ctx, mustSnapshot(t, serverEntity))
	require.NoError(t, err)
	require.NoError(t, client.RecordStatusTransition(ctx, "wo-3", fieldsync.StatusCompleted))

	cancelled := serverEntity
	cancelled.Status = fieldsync.StatusCancelled
	transport.setSnapshot(cancelled)
	transport.pushFn = func(entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
		resp := &fieldsync.PushResponse{Accepted: true}
		for _, e := range entries {
			resp.Statuses = append(resp.Statuses, fieldsync.EntryAck{
				SourceEntryID: e.SourceEntryID, Status: fieldsync.AckConflict,
			})
		}
		return resp, nil
	}

	require.NoError(t, client.SyncEntity(ctx, "wo-3"))

	summary, err := client.GetPendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Pending, 1)

	require.NoError(t, client.ResolveConflict(ctx, summary.Pending[0].ConflictID, fieldsync.KeepServer))

	entity, err := client.GetEntity(ctx, "wo-3")
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusCancelled, entity.Status)

	// The abandoned local claim no longer occupies a queue slot.
	count, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

// Network down past the retry budget: entries flip to failed, the entity
// is flagged, and the host gets the manual-retry signal.
func TestSyncEntity_BoundedRetriesThenFailure(t *testing.T) {
	transport := &fakeTransport{
		fetchErr: &fieldsync.TransportError{Op: "snapshot", StatusCode: 503, Err: errors.New("unavailable")},
	}
	client := newTestClient(t, transport)
	ctx := context.Background()

	entity, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, map[string]string{"priority": "high"})
	require.NoError(t, err)

	var failedEntity string
	client.OnSyncFailed = func(entityID string, err error) { failedEntity = entityID }

	err = client.SyncEntity(ctx, entity.ID)
	var syncFailed *fieldsync.SyncFailedError
	require.ErrorAs(t, err, &syncFailed)
	require.Equal(t, entity.ID, syncFailed.EntityID)
	require.Equal(t, 2, syncFailed.Attempts)
	require.Equal(t, 2, transport.fetches)
	require.Equal(t, entity.ID, failedEntity)

	status, err := client.GetSyncStatus(ctx, entity.ID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStateFailed, status)

	pending, err := client.PendingChanges(ctx, entity.ID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// A permanent server rejection is not retried.
func TestSyncEntity_NonRetryableFailsImmediately(t *testing.T) {
	transport := &fakeTransport{
		fetchErr: &fieldsync.TransportError{Op: "snapshot", StatusCode: 400, Err: errors.New("bad request")},
	}
	client := newTestClient(t, transport)
	ctx := context.Background()

	entity, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, nil)
	require.NoError(t, err)

	err = client.SyncEntity(ctx, entity.ID)
	var terr *fieldsync.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, 1, transport.fetches)

	var syncFailed *fieldsync.SyncFailedError
	require.False(t, errors.As(err, &syncFailed))
}

func TestSyncEntity_PassInFlight(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()

	require.NoError(t, client.acquireEntity("wo-1"))
	defer client.releaseEntity("wo-1")

	err := client.SyncEntity(ctx, "wo-1")
	require.ErrorIs(t, err, fieldsync.ErrPassInFlight)

	// A different entity is unaffected.
	entity, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, nil)
	require.NoError(t, err)
	require.NoError(t, client.SyncEntity(ctx, entity.ID))
}

// A conflict nobody resolved for longer than the threshold auto-resolves
// to the server value with the administrator-notice flag.
func TestGetPendingConflicts_StaleExpiry(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()

	_, err := client.AdoptServerEntity(ctx, mustSnapshot(t, fieldsync.Entity{
		ID:            "wo-4",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusWorking,
		Fields:        map[string]string{"gate_code": "9999"},
		ServerVersion: 1,
	}))
	require.NoError(t, err)

	stale := fieldsync.ConflictRecord{
		ConflictID:         fieldsync.NewConflictID("wo-4", "gate_code", "1111", "9999"),
		EntityID:           "wo-4",
		Field:              "gate_code",
		ServerValue:        "1111",
		LocalValue:         "9999",
		RequiresUserChoice: true,
		CreatedAt:          time.Now().Add(-100 * time.Hour).UTC(),
	}
	tx, err := client.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, client.insertConflictTx(ctx, tx, stale))
	require.NoError(t, tx.Commit())

	summary, err := client.GetPendingConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Pending)

	// Server value applied, record retired with the notice flag.
	entity, err := client.GetEntity(ctx, "wo-4")
	require.NoError(t, err)
	require.Equal(t, "1111", entity.Fields["gate_code"])

	var resolved, adminNotice int
	var choice string
	err = client.DB.QueryRow(`
		SELECT resolved, admin_notice, resolved_choice FROM _sync_conflict WHERE conflict_id = ?
	`, stale.ConflictID).Scan(&resolved, &adminNotice, &choice)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Equal(t, 1, adminNotice)
	require.Equal(t, "keep_server", choice)
}

func TestSyncAll_SkipsInFlightAndContinues(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()

	first, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, map[string]string{"priority": "low"})
	require.NoError(t, err)
	second, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, map[string]string{"priority": "high"})
	require.NoError(t, err)

	require.NoError(t, client.acquireEntity(first.ID))
	defer client.releaseEntity(first.ID)

	require.NoError(t, client.SyncAll(ctx))

	// The held entity was skipped, the other synced.
	status, err := client.GetSyncStatus(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStatePending, status)

	status, err = client.GetSyncStatus(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStateSynced, status)
}

// Pushing the same entries twice (crash between push and ack) is
// harmless: the coordinator re-sends, the server acks idempotently, and
// delivery marks converge.
func TestSyncEntity_ResendAfterLostAck(t *testing.T) {
	transport := &fakeTransport{}
	failOnce := true
	transport.pushFn = func(entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
		if failOnce {
			failOnce = false
			return nil, &fieldsync.TransportError{Op: "push", Err: fmt.Errorf("connection reset")}
		}
		resp := &fieldsync.PushResponse{Accepted: true}
		for _, e := range entries {
			ver := int64(1)
			resp.Statuses = append(resp.Statuses, fieldsync.EntryAck{
				SourceEntryID: e.SourceEntryID, EntityID: e.EntityID,
				Status: fieldsync.AckApplied, NewServerVersion: &ver,
			})
		}
		return resp, nil
	}
	client := newTestClient(t, transport)
	ctx := context.Background()

	_, err := client.AdoptServerEntity(ctx, mustSnapshot(t, fieldsync.Entity{
		ID: "wo-5", Type: fieldsync.EntityWorkOrder, Status: fieldsync.StatusWorking, ServerVersion: 1,
	}))
	require.NoError(t, err)
	require.NoError(t, client.RecordFieldUpdate(ctx, "wo-5", "completion_report", "done"))

	require.NoError(t, client.SyncEntity(ctx, "wo-5"))
	require.Len(t, transport.pushed, 2)
	require.Equal(t, transport.pushed[0], transport.pushed[1])

	count, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func mustSnapshot(t *testing.T, entity fieldsync.Entity) *fieldsync.SnapshotResponse {
	t.Helper()
	snapshot, err := fieldsync.NewSnapshotResponse(entity)
	require.NoError(t, err)
	return snapshot
}
