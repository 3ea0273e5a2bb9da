package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// EnqueueReviewItems inserts a batch of rewrite suggestions in one
// transaction.
func (s *Store) EnqueueReviewItems(items []types.ReviewQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin review tx: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		_, err := tx.Exec(`INSERT INTO review_queue
				(id, source_atom_id, rewrite_type, suggested_front, suggested_back,
				 split_suggestions, original_issues, original_grade, estimated_new_grade, status)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.SourceAtomID, string(it.RewriteType),
			nullIfEmpty(it.SuggestedFront), nullIfEmpty(it.SuggestedBack),
			jsonOrNullSplits(it.SplitSuggestions), jsonOrNull(it.OriginalIssues),
			string(it.OriginalGrade), string(it.EstimatedNewGrade), string(it.Status))
		if err != nil {
			return fmt.Errorf("failed to enqueue review item for atom %s: %w", it.SourceAtomID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review items: %w", err)
	}
	logging.ReviewDebug("Enqueued %d review items", len(items))
	return nil
}

func jsonOrNullSplits(splits []types.SplitSuggestion) interface{} {
	if len(splits) == 0 {
		return nil
	}
	data, err := json.Marshal(splits)
	if err != nil {
		return nil
	}
	return string(data)
}

const reviewColumns = `id, source_atom_id, rewrite_type, suggested_front, suggested_back,
	split_suggestions, original_issues, original_grade, estimated_new_grade,
	status, reviewer_note, created_at, reviewed_at`

func scanReviewItem(row interface{ Scan(...interface{}) error }) (*types.ReviewQueueItem, error) {
	var (
		it                   types.ReviewQueueItem
		front, back          sql.NullString
		splits, issues       sql.NullString
		origGrade, estGrade  sql.NullString
		note                 sql.NullString
		reviewedAt           sql.NullTime
	)
	err := row.Scan(&it.ID, &it.SourceAtomID, &it.RewriteType, &front, &back,
		&splits, &issues, &origGrade, &estGrade,
		&it.Status, &note, &it.CreatedAt, &reviewedAt)
	if err != nil {
		return nil, err
	}
	it.SuggestedFront = front.String
	it.SuggestedBack = back.String
	it.OriginalGrade = types.Grade(origGrade.String)
	it.EstimatedNewGrade = types.Grade(estGrade.String)
	it.ReviewerNote = note.String
	if splits.Valid && splits.String != "" {
		_ = json.Unmarshal([]byte(splits.String), &it.SplitSuggestions)
	}
	if issues.Valid && issues.String != "" {
		_ = json.Unmarshal([]byte(issues.String), &it.OriginalIssues)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		it.ReviewedAt = &t
	}
	return &it, nil
}

// GetReviewItem fetches one queue item.
func (s *Store) GetReviewItem(id string) (*types.ReviewQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+reviewColumns+" FROM review_queue WHERE id = ?", id)
	it, err := scanReviewItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review item %s: %w", id, err)
	}
	return it, nil
}

// ListReviewItems returns queue items, optionally filtered by status.
func (s *Store) ListReviewItems(status types.ReviewStatus, limit int) ([]types.ReviewQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + reviewColumns + " FROM review_queue"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer rows.Close()

	var out []types.ReviewQueueItem
	for rows.Next() {
		it, err := scanReviewItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// HasPendingReviewItem reports whether the atom already has an unreviewed
// queue entry, so re-running enqueue does not stack duplicates.
func (s *Store) HasPendingReviewItem(atomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM review_queue
		WHERE source_atom_id = ? AND status IN ('pending','edited','error')`, atomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe review queue: %w", err)
	}
	return n > 0, nil
}

// TransitionReviewItem moves an item to a new status, recording the
// transition in the immutable history and optionally updating suggestions
// (edit flow).
func (s *Store) TransitionReviewItem(id string, to types.ReviewStatus, note string, edit *types.ReviewQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := transitionReviewItemTx(tx, id, to, note, edit); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionReviewItemTx(tx *sql.Tx, id string, to types.ReviewStatus, note string, edit *types.ReviewQueueItem) error {
	var from string
	if err := tx.QueryRow("SELECT status FROM review_queue WHERE id = ?", id).Scan(&from); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("review item %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to read review item %s: %w", id, err)
	}

	if edit != nil {
		_, err := tx.Exec(`UPDATE review_queue SET
				suggested_front = ?, suggested_back = ?, split_suggestions = ?,
				estimated_new_grade = ?, status = ?, reviewer_note = ?, reviewed_at = ?
			WHERE id = ?`,
			nullIfEmpty(edit.SuggestedFront), nullIfEmpty(edit.SuggestedBack),
			jsonOrNullSplits(edit.SplitSuggestions), string(edit.EstimatedNewGrade),
			string(to), nullIfEmpty(note), time.Now(), id)
		if err != nil {
			return fmt.Errorf("failed to edit review item %s: %w", id, err)
		}
	} else {
		_, err := tx.Exec(`UPDATE review_queue SET status = ?, reviewer_note = ?, reviewed_at = ?
			WHERE id = ?`, string(to), nullIfEmpty(note), time.Now(), id)
		if err != nil {
			return fmt.Errorf("failed to transition review item %s: %w", id, err)
		}
	}

	_, err := tx.Exec(`INSERT INTO review_transitions (item_id, from_status, to_status, note)
		VALUES (?,?,?,?)`, id, from, string(to), nullIfEmpty(note))
	if err != nil {
		return fmt.Errorf("failed to record transition for %s: %w", id, err)
	}
	return nil
}

// ApproveImprove applies an improve approval atomically: overwrite the
// source atom (optimistic-lock on expectedVersion) and mark the queue item
// approved. The caller passes the re-analyzed atom.
func (s *Store) ApproveImprove(itemID string, atom *types.Atom, expectedVersion int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin approve tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE atoms SET
			front = ?, back = ?,
			quality_grade = ?, quality_score = ?, quality_issues = ?, analyzer_version = ?,
			is_atomic = ?, is_verbose = ?, needs_split = ?, needs_rewrite = ?, needs_review = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		atom.Front, atom.Back,
		string(atom.QualityGrade), atom.QualityScore, jsonOrNull(atom.QualityIssues), nullIfEmpty(atom.AnalyzerVersion),
		atom.Flags.IsAtomic, atom.Flags.IsVerbose, atom.Flags.NeedsSplit,
		atom.Flags.NeedsRewrite, atom.Flags.NeedsReview,
		atom.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to overwrite atom %s: %w", atom.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("atom %s at version %d: %w", atom.ID, expectedVersion, ErrStaleAtom)
	}

	if err := transitionReviewItemTx(tx, itemID, types.ReviewApproved, note, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit improve approval: %w", err)
	}
	logging.Review("Approved improve for atom %s (item %s)", atom.ID, itemID)
	return nil
}

// ApproveSplit applies a split approval atomically: the parent is marked
// superseded (optimistic-lock), all children are inserted, and the item is
// approved — or none of it happens. Children must already be re-analyzed.
func (s *Store) ApproveSplit(itemID string, parentID string, expectedVersion int64, children []types.Atom, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(children) == 0 {
		return fmt.Errorf("split approval for atom %s has no children", parentID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin split tx: %w", err)
	}
	defer tx.Rollback()

	// Parent stays for history, excluded from scheduling via superseded_by.
	res, err := tx.Exec(`UPDATE atoms SET
			superseded_by = ?, needs_split = 0, needs_rewrite = 0,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		children[0].ID, parentID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to supersede atom %s: %w", parentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("atom %s at version %d: %w", parentID, expectedVersion, ErrStaleAtom)
	}

	for i := range children {
		children[i].ParentID = parentID
		if err := insertAtomTx(tx, &children[i]); err != nil {
			return err
		}
	}

	if err := transitionReviewItemTx(tx, itemID, types.ReviewApproved, note, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit split approval: %w", err)
	}
	logging.Review("Approved split of atom %s into %d children (item %s)", parentID, len(children), itemID)
	return nil
}
