// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

func staticToken(token string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func TestHTTPTransport_FetchSnapshot(t *testing.T) {
	entity := fieldsync.Entity{
		ID:            "wo-1",
		Type:          fieldsync.EntityWorkOrder,
		Status:        fieldsync.StatusScheduled,
		Fields:        map[string]string{"priority": "high"},
		ServerVersion: 3,
	}
	snapshot, err := fieldsync.NewSnapshotResponse(entity)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/sync/snapshot", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("entity_id") {
		case "wo-1":
			json.NewEncoder(w).Encode(snapshot)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, staticToken("test-token"))

	got, err := transport.FetchSnapshot(context.Background(), "wo-1")
	require.NoError(t, err)
	require.Equal(t, "wo-1", got.EntityID)
	require.Equal(t, int64(3), got.ServerVersion)

	decoded, err := got.Entity()
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatusScheduled, decoded.Status)
	require.Equal(t, "high", decoded.Fields["priority"])

	_, err = transport.FetchSnapshot(context.Background(), "unknown")
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
}

func TestHTTPTransport_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, staticToken("test-token"))

	_, err := transport.FetchSnapshot(context.Background(), "wo-1")
	var terr *fieldsync.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	require.True(t, terr.Retryable())

	_, err = transport.PushEntries(context.Background(), []fieldsync.EntryUpload{{SourceEntryID: "e1"}})
	require.ErrorAs(t, err, &terr)
	require.True(t, terr.Retryable())
}

func TestHTTPTransport_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, staticToken("test-token"))

	_, err := transport.PushEntries(context.Background(), []fieldsync.EntryUpload{{SourceEntryID: "e1"}})
	var terr *fieldsync.TransportError
	require.ErrorAs(t, err, &terr)
	require.False(t, terr.Retryable())
}

func TestHTTPTransport_PushEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/push", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req fieldsync.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Entries, 1)

		ver := int64(7)
		json.NewEncoder(w).Encode(&fieldsync.PushResponse{
			Accepted: true,
			Statuses: []fieldsync.EntryAck{{
				SourceEntryID:    req.Entries[0].SourceEntryID,
				EntityID:         req.Entries[0].EntityID,
				Status:           fieldsync.AckApplied,
				NewServerVersion: &ver,
			}},
		})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, staticToken("test-token"))

	resp, err := transport.PushEntries(context.Background(), []fieldsync.EntryUpload{{
		SourceEntryID: "e1",
		EntityID:      "wo-1",
		EntityType:    "work_order",
		Kind:          fieldsync.KindFieldUpdate,
		Field:         "priority",
	}})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Len(t, resp.Statuses, 1)
	require.Equal(t, fieldsync.AckApplied, resp.Statuses[0].Status)
	require.Equal(t, int64(7), *resp.Statuses[0].NewServerVersion)
}

func TestHTTPTransport_TokenFailureShortCircuits(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	})

	_, err := transport.FetchSnapshot(context.Background(), "wo-1")
	require.Error(t, err)
	require.False(t, called)
}
