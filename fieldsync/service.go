// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the Postgres-backed system-of-record. It holds the
// canonical entity state plus an idempotent per-device entry log, so
// duplicate pushes of an already-acknowledged entry return the recorded
// ack unchanged.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName          string // application name for connection tracking
	MaxPushBatchSize int    // maximum entries per push (0 = unlimited)
	MaxTxRetries     int    // bounded retries for retryable tx errors

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// NewSyncService creates a new sync service instance from an existing pool
// and initializes the schema in a single transaction.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-fieldsync-app"}
	}
	if config.MaxTxRetries <= 0 {
		config.MaxTxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS fieldsync`,

		// Canonical entity state. local_id keeps the device-generated
		// temporary identifier so retried first-sync pushes find the row.
		`CREATE TABLE IF NOT EXISTS fieldsync.entity (
			user_id        TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			local_id       TEXT,
			entity_type    TEXT NOT NULL,
			payload        JSONB NOT NULL,
			server_version BIGINT NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS entity_local_id_idx
			ON fieldsync.entity (user_id, local_id) WHERE local_id IS NOT NULL`,

		// Idempotency gate: one row per processed entry, keyed by the
		// device-local entry id.
		`CREATE TABLE IF NOT EXISTS fieldsync.entry_log (
			user_id            TEXT NOT NULL,
			device_id          TEXT NOT NULL,
			source_entry_id    TEXT NOT NULL,
			entity_id          TEXT NOT NULL,
			kind               TEXT NOT NULL,
			status             TEXT NOT NULL,
			new_server_version BIGINT,
			applied_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id, source_entry_id)
		)`,
		`CREATE INDEX IF NOT EXISTS entry_log_entity_idx
			ON fieldsync.entry_log (user_id, entity_id)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the sync service. Safe to call multiple
// times. Does NOT close the pool - the caller owns its lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessPush applies a batch of device change log entries to the
// system-of-record. Entries already acknowledged earlier are answered from
// the entry log without re-applying. Status transitions run through the
// same reconciler the device uses, so the server never regresses a
// lifecycle state and completed-vs-cancelled surfaces as a conflict ack.
func (s *SyncService) ProcessPush(ctx context.Context, userID, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if len(req.Entries) == 0 {
		return &PushResponse{Accepted: true, Statuses: []EntryAck{}}, nil
	}

	if s.config.MaxPushBatchSize > 0 && len(req.Entries) > s.config.MaxPushBatchSize {
		statuses := make([]EntryAck, len(req.Entries))
		for i, entry := range req.Entries {
			err := fmt.Errorf("batch too large: entries=%d limit=%d", len(req.Entries), s.config.MaxPushBatchSize)
			statuses[i] = ackInvalid(entry.SourceEntryID, ReasonBatchTooLarge, err)
		}
		// Reject the whole batch so devices never drop pending entries.
		return &PushResponse{Accepted: false, Statuses: statuses}, nil
	}

	var statuses []EntryAck
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxTxRetries; attempt++ {
		txStart := s.stageStart()
		statuses, lastErr = s.processPushTx(ctx, userID, deviceID, req)
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushTx, txStart, len(req.Entries), attempt, lastErr != nil)
		if lastErr == nil {
			break
		}
		if !isRetryablePGTxError(lastErr) {
			return nil, fmt.Errorf("failed to process push transaction: %w", lastErr)
		}
		if err := sleepWithContext(ctx, time.Duration(attempt)*100*time.Millisecond); err != nil {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to process push transaction after retries: %w", lastErr)
	}

	accepted := true
	for _, st := range statuses {
		if st.Status == AckInvalid {
			if reason, ok := st.Invalid["reason"].(string); ok && reason == ReasonUnknownEntityType {
				accepted = false
				break
			}
		}
	}

	return &PushResponse{Accepted: accepted, Statuses: statuses}, nil
}

func (s *SyncService) processPushTx(ctx context.Context, userID, deviceID string, req *PushRequest) ([]EntryAck, error) {
	var statuses []EntryAck
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")

		statuses = make([]EntryAck, 0, len(req.Entries))
		// Stable id assigned within this batch for device-temporary ids.
		assigned := make(map[string]string)

		for _, entry := range req.Entries {
			ack, err := s.processEntryInTx(ctx, tx, userID, deviceID, entry, assigned)
			if err != nil {
				return err
			}
			statuses = append(statuses, ack)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *SyncService) processEntryInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, entry EntryUpload, assigned map[string]string) (EntryAck, error) {
	idemStart := s.stageStart()
	// Idempotency gate: an entry processed before returns its recorded ack.
	var recordedStatus string
	var recordedVersion *int64
	var recordedEntityID string
	err := tx.QueryRow(ctx, `
		SELECT status, new_server_version, entity_id FROM fieldsync.entry_log
		WHERE user_id = $1 AND device_id = $2 AND source_entry_id = $3
	`, userID, deviceID, entry.SourceEntryID).Scan(&recordedStatus, &recordedVersion, &recordedEntityID)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushIdempotency, idemStart, 1, 1, err != nil && !errors.Is(err, pgx.ErrNoRows))
	if err == nil {
		ack := ackAppliedIdempotent(entry.SourceEntryID, recordedVersion)
		ack.EntityID = recordedEntityID
		ack.Status = recordedStatus
		if recordedStatus == AckConflict {
			// The device retried a conflicted entry; attach current state
			// so its resolver has something to work with.
			if serverEntity, snapErr := s.entityJSONInTx(ctx, tx, userID, recordedEntityID); snapErr == nil {
				ack.ServerEntity = serverEntity
			}
		}
		return ack, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return EntryAck{}, fmt.Errorf("failed to query entry log: %w", err)
	}

	entityType, err := ParseEntityType(entry.EntityType)
	if err != nil {
		return ackInvalid(entry.SourceEntryID, ReasonUnknownEntityType, err), nil
	}

	applyStart := s.stageStart()
	ack, err := s.applyEntryInTx(ctx, tx, userID, deviceID, entityType, entry, assigned)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, 1, 1, err != nil)
	if err != nil {
		return EntryAck{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO fieldsync.entry_log (user_id, device_id, source_entry_id, entity_id, kind, status, new_server_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userID, deviceID, entry.SourceEntryID, ack.EntityID, entry.Kind, ack.Status, ack.NewServerVersion)
	if err != nil {
		return EntryAck{}, fmt.Errorf("failed to record entry log: %w", err)
	}
	return ack, nil
}

func (s *SyncService) applyEntryInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, entityType EntityType, entry EntryUpload, assigned map[string]string) (EntryAck, error) {
	entityID := entry.EntityID
	if stable, ok := assigned[entityID]; ok {
		entityID = stable
	}

	var entity Entity
	var serverVersion int64
	var payload []byte
	found := true
	err := tx.QueryRow(ctx, `
		SELECT entity_id, payload, server_version FROM fieldsync.entity
		WHERE user_id = $1 AND (entity_id = $2 OR local_id = $2)
		FOR UPDATE
	`, userID, entityID).Scan(&entityID, &payload, &serverVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return EntryAck{}, fmt.Errorf("failed to load entity: %w", err)
	}

	var localID *string
	if found {
		if err := json.Unmarshal(payload, &entity); err != nil {
			return EntryAck{}, fmt.Errorf("failed to decode entity payload: %w", err)
		}
		entity.ID = entityID
	} else {
		// First sync of a device-created entity: mint the stable id and
		// remember the temporary one for retries and later batch entries.
		if IsLocalID(entry.EntityID) {
			stable := uuid.New().String()
			assigned[entry.EntityID] = stable
			lid := entry.EntityID
			localID = &lid
			entityID = stable
		}
		entity = Entity{ID: entityID, Type: entityType, Status: StatusCreated}
		serverVersion = 0
	}

	changed, conflict, invalidReason, applyErr := applyEntry(&entity, entry, deviceID)
	if invalidReason != "" {
		return ackInvalid(entry.SourceEntryID, invalidReason, applyErr), nil
	}
	if applyErr != nil {
		return EntryAck{}, applyErr
	}
	if conflict {
		serverEntity, err := json.Marshal(entity)
		if err != nil {
			return EntryAck{}, fmt.Errorf("failed to encode server entity: %w", err)
		}
		ack := ackConflict(entry.SourceEntryID, serverEntity)
		ack.EntityID = entityID
		return ack, nil
	}

	if changed || !found {
		serverVersion++
		entity.ServerVersion = serverVersion
		entity.ServerUpdatedAt = time.Now().UTC()
		newPayload, err := json.Marshal(entity)
		if err != nil {
			return EntryAck{}, fmt.Errorf("failed to encode entity payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO fieldsync.entity (user_id, entity_id, local_id, entity_type, payload, server_version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, entity_id) DO UPDATE
			SET payload = EXCLUDED.payload, server_version = EXCLUDED.server_version, updated_at = now()
		`, userID, entityID, localID, entityType.String(), newPayload, serverVersion)
		if err != nil {
			return EntryAck{}, fmt.Errorf("failed to upsert entity: %w", err)
		}
	}

	ack := ackApplied(entry.SourceEntryID, serverVersion)
	ack.EntityID = entityID
	return ack, nil
}

// applyEntry materializes one change log entry onto the canonical entity.
// Returns changed=false for no-op mutations (e.g. a status transition the
// reconciler resolves to the current server state). A conflict result means
// the entry must not be applied and the device owns the decision.
func applyEntry(entity *Entity, entry EntryUpload, deviceID string) (changed, conflict bool, invalidReason string, err error) {
	switch entry.Kind {
	case KindStatusTransition:
		var p StatusTransitionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return false, false, ReasonBadPayload, fmt.Errorf("failed to decode status transition: %w", err)
		}
		requested, err := ParseStatus(p.Status)
		if err != nil {
			return false, false, ReasonBadPayload, err
		}
		sm := ReconcileStatus(entity.Status, requested, ReconcileOptions{})
		switch sm.Decision {
		case StatusConflict:
			return false, true, "", nil
		case StatusUseServer, StatusUseLocal:
			if sm.Result == entity.Status {
				return false, false, "", nil
			}
			entity.Status = sm.Result
			return true, false, "", nil
		}
		return false, false, ReasonInternalError, fmt.Errorf("unhandled status decision %v", sm.Decision)

	case KindFieldUpdate:
		var p FieldUpdatePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return false, false, ReasonBadPayload, fmt.Errorf("failed to decode field update: %w", err)
		}
		if entry.Field == NotesField {
			if entity.Notes == p.Value {
				return false, false, "", nil
			}
			entity.Notes = p.Value
			return true, false, "", nil
		}
		if entity.Fields[entry.Field] == p.Value {
			return false, false, "", nil
		}
		setField(entity, entry.Field, p.Value)
		return true, false, "", nil

	case KindCollectionAppend:
		var p CollectionAppendPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return false, false, ReasonBadPayload, fmt.Errorf("failed to decode collection append: %w", err)
		}
		if p.Media != nil {
			before := len(entity.Media)
			entity.Media = UnionMedia(entity.Media, []MediaRef{*p.Media})
			return len(entity.Media) != before, false, "", nil
		}
		if p.Note != "" {
			merged := AppendMergeText(entity.Notes, p.Note, deviceID, entry.CreatedAt)
			if merged == entity.Notes {
				return false, false, "", nil
			}
			entity.Notes = merged
			return true, false, "", nil
		}
		return false, false, ReasonBadPayload, errors.New("collection append carries neither media nor note")
	}
	return false, false, ReasonUnknownKind, fmt.Errorf("unknown entry kind %q", entry.Kind)
}

// GetSnapshot returns the server-authoritative state of one entity
func (s *SyncService) GetSnapshot(ctx context.Context, userID, entityID string) (*SnapshotResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	start := s.stageStart()
	var payload []byte
	var entityType string
	var serverVersion int64
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, entity_type, payload, server_version, updated_at FROM fieldsync.entity
		WHERE user_id = $1 AND (entity_id = $2 OR local_id = $2)
	`, userID, entityID).Scan(&entityID, &entityType, &payload, &serverVersion, &updatedAt)
	s.observeStage(ctx, MetricsOpSnapshot, MetricsStageTotal, start, 1, 1, err != nil && !errors.Is(err, pgx.ErrNoRows))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return &SnapshotResponse{
		EntityID:      entityID,
		EntityType:    entityType,
		Payload:       payload,
		ServerVersion: serverVersion,
		UpdatedAt:     updatedAt,
	}, nil
}

func (s *SyncService) entityJSONInTx(ctx context.Context, tx pgx.Tx, userID, entityID string) (json.RawMessage, error) {
	var payload []byte
	err := tx.QueryRow(ctx, `
		SELECT payload FROM fieldsync.entity WHERE user_id = $1 AND entity_id = $2
	`, userID, entityID).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *SyncService) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *SyncService) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *SyncService) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}
	var logger *slog.Logger
	if s.config.LogStageTimings {
		logger = s.logger
	}
	ObserveStage(ctx, s.config.StageMetrics, logger, op, stage, start, count, attempt, hadError)
}
