package store

import (
	"database/sql"
	"fmt"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// =============================================================================
// STAGING LANDING ZONE
// =============================================================================

// StageBatch writes one page batch of raw records atomically. Returns how
// many rows were newly created vs refreshed. A constraint failure rolls the
// whole batch back; the sync engine marks the run failed.
func (s *Store) StageBatch(collection string, records []types.StagedRecord) (created, updated int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin staging tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		var exists int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM staging WHERE collection = ? AND external_id = ?",
			collection, r.ExternalID).Scan(&exists); err != nil {
			return 0, 0, fmt.Errorf("failed to probe staging row: %w", err)
		}

		if exists == 0 {
			_, err = tx.Exec(`INSERT INTO staging
					(collection, external_id, payload, external_last_edited, tombstoned, last_seen_at)
				VALUES (?,?,?,?,0,CURRENT_TIMESTAMP)`,
				collection, r.ExternalID, string(r.Payload), r.ExternalEdited)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to insert staging row %s/%s: %w", collection, r.ExternalID, err)
			}
			created++
			continue
		}

		// Refresh the raw copy only when the source actually changed, so a
		// repeated incremental sync reports 0 updated.
		res, err := tx.Exec(`UPDATE staging SET
				payload = ?, external_last_edited = ?, tombstoned = 0, last_seen_at = CURRENT_TIMESTAMP
			WHERE collection = ? AND external_id = ? AND (external_last_edited IS NULL OR external_last_edited < ?)`,
			string(r.Payload), r.ExternalEdited, collection, r.ExternalID, r.ExternalEdited)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to update staging row %s/%s: %w", collection, r.ExternalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		} else {
			// Unchanged page: still counts as seen for tombstone accounting.
			_, err = tx.Exec(`UPDATE staging SET last_seen_at = CURRENT_TIMESTAMP, tombstoned = 0
				WHERE collection = ? AND external_id = ?`, collection, r.ExternalID)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to touch staging row %s/%s: %w", collection, r.ExternalID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit staging batch: %w", err)
	}
	logging.StagingDebug("StageBatch %s: created=%d updated=%d total=%d", collection, created, updated, len(records))
	return created, updated, nil
}

// TombstoneMissing marks rows not seen since the given full-sync start as
// tombstoned. Only full syncs confirm absence; incremental pulls never
// tombstone. Returns how many rows were newly tombstoned.
func (s *Store) TombstoneMissing(collection string, syncStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE staging SET tombstoned = 1
		WHERE collection = ? AND tombstoned = 0 AND last_seen_at < ?`,
		collection, syncStart)
	if err != nil {
		return 0, fmt.Errorf("failed to tombstone %s: %w", collection, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Staging("Tombstoned %d rows in %s absent from full sync", n, collection)
	}
	return int(n), nil
}

// ListStaged returns live (non-tombstoned) staged records for a collection,
// ordered by external id for deterministic transforms.
func (s *Store) ListStaged(collection string) ([]types.StagedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT collection, external_id, payload, external_last_edited,
			tombstoned, first_seen_at, last_seen_at
		FROM staging WHERE collection = ? AND tombstoned = 0 ORDER BY external_id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged %s: %w", collection, err)
	}
	defer rows.Close()

	var out []types.StagedRecord
	for rows.Next() {
		var (
			r       types.StagedRecord
			payload string
			edited  sql.NullTime
		)
		if err := rows.Scan(&r.Collection, &r.ExternalID, &payload, &edited,
			&r.Tombstoned, &r.FirstSeenAt, &r.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		r.Payload = []byte(payload)
		if edited.Valid {
			r.ExternalEdited = edited.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StagedCollections returns the distinct collections present in staging.
func (s *Store) StagedCollections() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT collection FROM staging ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
