// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// fakeTransport is an in-process Transport for coordinator tests. By
// default every entity is unknown to the server and every pushed entry is
// acked as applied under its own id.
type fakeTransport struct {
	mu        sync.Mutex
	snapshots map[string]*fieldsync.SnapshotResponse
	fetchErr  error
	pushFn    func(entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error)
	pushErr   error
	pushed    [][]fieldsync.EntryUpload
	fetches   int
}

func (f *fakeTransport) FetchSnapshot(_ context.Context, entityID string) (*fieldsync.SnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if s, ok := f.snapshots[entityID]; ok {
		return s, nil
	}
	return nil, fieldsync.ErrNotFound
}

func (f *fakeTransport) PushEntries(_ context.Context, entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, entries)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.pushFn != nil {
		return f.pushFn(entries)
	}
	resp := &fieldsync.PushResponse{Accepted: true}
	for _, e := range entries {
		ver := int64(1)
		resp.Statuses = append(resp.Statuses, fieldsync.EntryAck{
			SourceEntryID:    e.SourceEntryID,
			EntityID:         e.EntityID,
			Status:           fieldsync.AckApplied,
			NewServerVersion: &ver,
		})
	}
	return resp, nil
}

func (f *fakeTransport) setSnapshot(entity fieldsync.Entity) {
	snapshot, err := fieldsync.NewSnapshotResponse(entity)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[string]*fieldsync.SnapshotResponse)
	}
	f.snapshots[entity.ID] = snapshot
}

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	config := DefaultConfig()
	config.BackoffMin = time.Millisecond
	config.BackoffMax = 5 * time.Millisecond
	config.MaxSyncAttempts = 2

	client, err := NewClient(db, transport, "user1", "dev-1", config)
	require.NoError(t, err)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewClient(db, &fakeTransport{}, "user1", "dev-1", nil)
	require.Error(t, err)

	_, err = NewClient(db, nil, "user1", "dev-1", DefaultConfig())
	require.Error(t, err)

	bad := DefaultConfig()
	bad.ChangeLogCapacity = 0
	_, err = NewClient(db, &fakeTransport{}, "user1", "dev-1", bad)
	require.Error(t, err)
}

func TestEnsureDeviceID_StableAcrossCalls(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})

	first, err := EnsureDeviceID(client.DB, "user1")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureDeviceID(client.DB, "user1")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPauseSync_SkipsPasses(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()

	entity, err := client.CreateEntity(ctx, fieldsync.EntityWorkOrder, map[string]string{"priority": "high"})
	require.NoError(t, err)

	client.PauseSync()
	require.NoError(t, client.SyncEntity(ctx, entity.ID))
	require.Equal(t, 0, transport.fetches)

	client.ResumeSync()
	require.NoError(t, client.SyncEntity(ctx, entity.ID))
	require.Equal(t, 1, transport.fetches)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, 50, config.ChangeLogCapacity)
	require.Equal(t, 5, config.MaxSyncAttempts)
	require.Equal(t, time.Second, config.BackoffMin)
	require.Equal(t, 60*time.Second, config.BackoffMax)
	require.Equal(t, fieldsync.DefaultStaleThreshold, config.StaleConflictThreshold)
	require.Equal(t, fieldsync.DefaultOverloadThreshold, config.ConflictOverloadThreshold)
}
