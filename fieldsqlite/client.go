// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsqlite provides the SQLite-backed device side of
// go-fieldsync: a durable change log of local mutations, an entity
// snapshot store holding the last-known server version next to the local
// working copy, and a sync coordinator that drives reconciliation passes
// against the server system-of-record.
package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Client manages the device SQLite database and reconciliation passes
type Client struct {
	DB        *sql.DB
	Transport Transport
	UserID    string
	DeviceID  string

	// OnConflicts receives unresolved conflict records after a pass.
	// OnSyncFailed receives the terminal "user must retry manually"
	// signal once bounded retries are exhausted. Both optional.
	OnConflicts  func(summary fieldsync.ConflictSummary)
	OnSyncFailed func(entityID string, err error)

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // serialize SQLite write transactions

	// Per-entity mutual exclusion for reconciliation passes. Passes for
	// different entities run in parallel; a second pass for the same
	// entity fails fast with ErrPassInFlight.
	entityMu sync.Mutex
	inFlight map[string]bool

	syncPaused int32
}

// Config holds configuration for the device sync client
type Config struct {
	ChangeLogCapacity         int           // bounded queue across all entities
	RetentionWindow           time.Duration // terminal entries kept this long before GC
	MaxSyncAttempts           int           // bounded transport retries per pass
	BackoffMin                time.Duration // e.g. 1s
	BackoffMax                time.Duration // e.g. 60s
	SyncInterval              time.Duration // background loop cadence
	StaleConflictThreshold    time.Duration // unresolved conflicts auto-resolve to server past this
	ConflictOverloadThreshold int           // past this, hosts degrade to "contact support"
	DispatcherAuthority       bool          // see fieldsync.ReconcileStatus

	StageMetrics    fieldsync.StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the operational defaults
func DefaultConfig() *Config {
	return &Config{
		ChangeLogCapacity:         50,
		RetentionWindow:           24 * time.Hour,
		MaxSyncAttempts:           5,
		BackoffMin:                1 * time.Second,
		BackoffMax:                60 * time.Second,
		SyncInterval:              30 * time.Second,
		StaleConflictThreshold:    fieldsync.DefaultStaleThreshold,
		ConflictOverloadThreshold: fieldsync.DefaultOverloadThreshold,
	}
}

// NewClient creates a device sync client and initializes the sync metadata
// tables.
func NewClient(db *sql.DB, transport Transport, userID, deviceID string, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config.ChangeLogCapacity <= 0 {
		return nil, fmt.Errorf("config.ChangeLogCapacity must be positive")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Seed the per-user row holding the entry sequence allocator. A row
	// created earlier by EnsureDeviceID is left untouched.
	if _, err := db.Exec(`
		INSERT INTO _sync_client_info (user_id, device_id, next_entry_seq)
		VALUES (?, ?, 1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, deviceID); err != nil {
		return nil, fmt.Errorf("failed to seed client info: %w", err)
	}

	return &Client{
		DB:        db,
		Transport: transport,
		UserID:    userID,
		DeviceID:  deviceID,
		config:    config,
		logger:    slog.Default(),
		inFlight:  make(map[string]bool),
	}, nil
}

// SetLogger replaces the default logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// PauseSync suspends reconciliation passes deterministically
func (c *Client) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes reconciliation passes
func (c *Client) ResumeSync() { atomic.StoreInt32(&c.syncPaused, 0) }

func (c *Client) paused() bool { return atomic.LoadInt32(&c.syncPaused) == 1 }

// EnsureDeviceID generates and persists a device ID if not already present
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (user_id, device_id, next_entry_seq)
			VALUES (?, ?, 1)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the sync metadata tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id         TEXT NOT NULL,
			device_id       TEXT NOT NULL,
			next_entry_seq  INTEGER NOT NULL DEFAULT 1,
			last_synced_at  TEXT,
			PRIMARY KEY (user_id)
		)`,

		// Append-only change log. Entries are never mutated, only appended
		// and later marked delivered or superseded. dedupe_key makes
		// duplicate appends with identical payload and timestamp invisible.
		`CREATE TABLE IF NOT EXISTS _sync_change_log (
			entry_id       TEXT PRIMARY KEY,
			entry_seq      INTEGER NOT NULL,
			entity_id      TEXT NOT NULL,
			kind           TEXT NOT NULL CHECK (kind IN ('field_update','status_transition','collection_append')),
			field          TEXT,
			payload        TEXT,
			created_at     TEXT NOT NULL,
			delivery_state TEXT NOT NULL DEFAULT 'pending'
				CHECK (delivery_state IN ('pending','in_flight','acknowledged','conflicted','failed')),
			delivered_at   TEXT,
			dedupe_key     TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_log_entity
			ON _sync_change_log (entity_id, entry_seq)`,

		// Entity snapshot store: last-known server version next to the
		// current local working version.
		`CREATE TABLE IF NOT EXISTS _sync_entity (
			entity_id      TEXT PRIMARY KEY,
			entity_type    TEXT NOT NULL,
			server_payload TEXT,
			local_payload  TEXT NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0,
			sync_status    TEXT NOT NULL DEFAULT 'pending'
				CHECK (sync_status IN ('synced','pending','conflict','failed')),
			updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Unresolved conflicts surfaced to the host application
		`CREATE TABLE IF NOT EXISTS _sync_conflict (
			conflict_id     TEXT PRIMARY KEY,
			entity_id       TEXT NOT NULL,
			field           TEXT NOT NULL,
			server_value    TEXT,
			local_value     TEXT,
			requires_choice INTEGER NOT NULL DEFAULT 1,
			admin_notice    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			resolved        INTEGER NOT NULL DEFAULT 0,
			resolved_choice TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_entity
			ON _sync_conflict (entity_id, resolved)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return nil
}

// acquireEntity takes the per-entity pass token
func (c *Client) acquireEntity(entityID string) error {
	c.entityMu.Lock()
	defer c.entityMu.Unlock()
	if c.inFlight[entityID] {
		return fieldsync.ErrPassInFlight
	}
	c.inFlight[entityID] = true
	return nil
}

func (c *Client) releaseEntity(entityID string) {
	c.entityMu.Lock()
	defer c.entityMu.Unlock()
	delete(c.inFlight, entityID)
}

func (c *Client) stageStart() time.Time {
	if c.config.StageMetrics == nil && !c.config.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (c *Client) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	var logger *slog.Logger
	if c.config.LogStageTimings {
		logger = c.logger
	}
	fieldsync.ObserveStage(ctx, c.config.StageMetrics, logger, op, stage, start, count, attempt, hadError)
}
