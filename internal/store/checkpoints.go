package store

import (
	"database/sql"
	"fmt"
	"time"

	"mnemo/internal/types"
)

// =============================================================================
// SYNC CHECKPOINTS
// =============================================================================

// GetCheckpoint returns the checkpoint for a collection, or a zero
// checkpoint when the collection has never synced.
func (s *Store) GetCheckpoint(collection string) (*types.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		cp        types.SyncCheckpoint
		watermark sql.NullTime
		success   sql.NullTime
	)
	err := s.db.QueryRow(`SELECT collection, last_cursor, last_edited_watermark,
			consecutive_failures, last_success_at
		FROM sync_checkpoints WHERE collection = ?`, collection).
		Scan(&cp.Collection, &cp.LastCursor, &watermark, &cp.ConsecutiveFailures, &success)
	if err == sql.ErrNoRows {
		return &types.SyncCheckpoint{Collection: collection}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", collection, err)
	}
	if watermark.Valid {
		t := watermark.Time
		cp.LastEditedWatermark = &t
	}
	if success.Valid {
		t := success.Time
		cp.LastSuccessAt = &t
	}
	return &cp, nil
}

// AdvanceCheckpoint records a successful commit: watermark and cursor move
// forward, consecutive failures reset.
func (s *Store) AdvanceCheckpoint(collection, cursor string, watermark *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO sync_checkpoints
			(collection, last_cursor, last_edited_watermark, consecutive_failures, last_success_at)
		VALUES (?,?,?,0,CURRENT_TIMESTAMP)
		ON CONFLICT(collection) DO UPDATE SET
			last_cursor = excluded.last_cursor,
			last_edited_watermark = COALESCE(excluded.last_edited_watermark, sync_checkpoints.last_edited_watermark),
			consecutive_failures = 0,
			last_success_at = CURRENT_TIMESTAMP`,
		collection, cursor, watermark)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint %s: %w", collection, err)
	}
	return nil
}

// RecordCheckpointFailure bumps the consecutive-failure counter and returns
// the new count. The metric gauge is updated by the sync engine.
func (s *Store) RecordCheckpointFailure(collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO sync_checkpoints (collection, consecutive_failures)
		VALUES (?, 1)
		ON CONFLICT(collection) DO UPDATE SET
			consecutive_failures = sync_checkpoints.consecutive_failures + 1`,
		collection)
	if err != nil {
		return 0, fmt.Errorf("failed to record checkpoint failure %s: %w", collection, err)
	}
	var n int
	if err := s.db.QueryRow(
		"SELECT consecutive_failures FROM sync_checkpoints WHERE collection = ?",
		collection).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
