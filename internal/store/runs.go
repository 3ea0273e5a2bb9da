package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/types"
)

// =============================================================================
// RUN HISTORY & STAGE LOG
// =============================================================================

// RunKind distinguishes sync runs from cleaning-pipeline runs in the shared
// history table.
type RunKind string

const (
	RunKindSync  RunKind = "sync"
	RunKindClean RunKind = "clean"
)

// CreateRun inserts a new run in `running` state.
func (s *Store) CreateRun(kind RunKind, run *types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO runs (id, kind, mode, collections, status, started_at)
		VALUES (?,?,?,?,?,?)`,
		run.ID, string(kind), string(run.Mode), jsonOrNull(run.Collections),
		string(types.RunRunning), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the terminal state and counters of a run.
func (s *Store) FinishRun(run *types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET
			status = ?, created = ?, updated = ?, tombstoned = ?, warnings = ?,
			error_message = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(run.Status), run.Created, run.Updated, run.Tombstoned, run.Warnings,
		nullIfEmpty(run.ErrorMessage), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (*types.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, mode, collections, status, created, updated,
			tombstoned, warnings, error_message, started_at, completed_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run of the given kind.
func (s *Store) LatestRun(kind RunKind) (*types.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, mode, collections, status, created, updated,
			tombstoned, warnings, error_message, started_at, completed_at
		FROM runs WHERE kind = ? ORDER BY started_at DESC LIMIT 1`, string(kind))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no %s runs: %w", kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first, optionally filtered by status.
func (s *Store) ListRuns(kind RunKind, status string, limit int) ([]types.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, mode, collections, status, created, updated,
			tombstoned, warnings, error_message, started_at, completed_at
		FROM runs WHERE kind = ?`
	args := []interface{}{string(kind)}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []types.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row interface{ Scan(...interface{}) error }) (*types.SyncRun, error) {
	var (
		run         types.SyncRun
		mode        sql.NullString
		collections sql.NullString
		errMsg      sql.NullString
		completed   sql.NullTime
	)
	err := row.Scan(&run.ID, &mode, &collections, &run.Status, &run.Created, &run.Updated,
		&run.Tombstoned, &run.Warnings, &errMsg, &run.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	run.Mode = types.SyncMode(mode.String)
	run.ErrorMessage = errMsg.String
	if collections.Valid && collections.String != "" {
		_ = json.Unmarshal([]byte(collections.String), &run.Collections)
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// MarkStageComplete records that a pipeline stage finished for a run.
func (s *Store) MarkStageComplete(runID, stage string, status types.RunStatus, processed, warnings int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO run_stages (run_id, stage, status, processed, warnings)
		VALUES (?,?,?,?,?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			warnings = excluded.warnings,
			completed_at = CURRENT_TIMESTAMP`,
		runID, stage, string(status), processed, warnings)
	if err != nil {
		return fmt.Errorf("failed to mark stage %s/%s: %w", runID, stage, err)
	}
	return nil
}

// CompletedStages returns the set of stages already completed for a run.
// Used by --resume to skip finished work.
func (s *Store) CompletedStages(runID string) (map[string]types.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT run_id, stage, status, processed, warnings, completed_at
		FROM run_stages WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages for %s: %w", runID, err)
	}
	defer rows.Close()

	out := make(map[string]types.StageRecord)
	for rows.Next() {
		var rec types.StageRecord
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Status, &rec.Processed,
			&rec.Warnings, &rec.CompletedAt); err != nil {
			return nil, err
		}
		out[rec.Stage] = rec
	}
	return out, rows.Err()
}

// RunSummary formats the counters for CLI output.
func RunSummary(run *types.SyncRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s created=%d updated=%d", run.Status, run.Created, run.Updated)
	if run.Tombstoned > 0 {
		fmt.Fprintf(&b, " tombstoned=%d", run.Tombstoned)
	}
	if run.Warnings > 0 {
		fmt.Fprintf(&b, " warnings=%d", run.Warnings)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(&b, " error=%q", run.ErrorMessage)
	}
	return b.String()
}
