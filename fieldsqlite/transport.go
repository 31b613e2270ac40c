// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Transport is the network collaborator for reconciliation passes. The
// engine itself performs no I/O; the coordinator drives this interface.
// Push must be idempotent on retry - the server treats a duplicate push of
// an already-acknowledged entry as a no-op.
type Transport interface {
	FetchSnapshot(ctx context.Context, entityID string) (*fieldsync.SnapshotResponse, error)
	PushEntries(ctx context.Context, entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error)
}

// HTTPTransport talks to the fieldsync server HTTP API with a JWT bearer
// token supplied per request.
type HTTPTransport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport for the given server base URL
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// FetchSnapshot retrieves the server-authoritative state of one entity.
// Returns fieldsync.ErrNotFound for entities the server has never seen.
func (t *HTTPTransport) FetchSnapshot(ctx context.Context, entityID string) (*fieldsync.SnapshotResponse, error) {
	reqURL := fmt.Sprintf("%s/sync/snapshot?entity_id=%s", t.BaseURL, url.QueryEscape(entityID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, &fieldsync.TransportError{Op: "snapshot", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fieldsync.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &fieldsync.TransportError{
			Op:         "snapshot",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var snapshot fieldsync.SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot response: %w", err)
	}
	return &snapshot, nil
}

// PushEntries uploads change log entries and returns per-entry acks
func (t *HTTPTransport) PushEntries(ctx context.Context, entries []fieldsync.EntryUpload) (*fieldsync.PushResponse, error) {
	jsonData, err := json.Marshal(&fieldsync.PushRequest{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/push", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, &fieldsync.TransportError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &fieldsync.TransportError{
			Op:         "push",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var pushResp fieldsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &pushResp, nil
}

func (t *HTTPTransport) authorize(ctx context.Context, req *http.Request) error {
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
