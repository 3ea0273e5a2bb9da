package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// =============================================================================
// CANONICAL ATOM STORE
// =============================================================================

const atomColumns = `id, front, back, type, section_id, concept_ids, knowledge_type,
	difficulty, quality_grade, quality_score, quality_issues, analyzer_version,
	source, source_ref, parent_id,
	stability_days, fsrs_difficulty, retrievability, review_count, lapses,
	last_review, next_review,
	is_atomic, is_verbose, needs_split, needs_rewrite, needs_review, superseded_by,
	version, created_at, updated_at`

func scanAtom(row interface{ Scan(...interface{}) error }) (*types.Atom, error) {
	var (
		a                              types.Atom
		sectionID, sourceRef, parentID sql.NullString
		conceptIDs, issues             sql.NullString
		grade, analyzerVersion         sql.NullString
		score                          sql.NullInt64
		supersededBy                   sql.NullString
		lastReview, nextReview         sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.Front, &a.Back, &a.Type, &sectionID, &conceptIDs, &a.KnowledgeType,
		&a.Difficulty, &grade, &score, &issues, &analyzerVersion,
		&a.Source, &sourceRef, &parentID,
		&a.FSRS.StabilityDays, &a.FSRS.Difficulty, &a.FSRS.Retrievability,
		&a.FSRS.ReviewCount, &a.FSRS.Lapses,
		&lastReview, &nextReview,
		&a.Flags.IsAtomic, &a.Flags.IsVerbose, &a.Flags.NeedsSplit,
		&a.Flags.NeedsRewrite, &a.Flags.NeedsReview, &supersededBy,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.SectionID = sectionID.String
	a.SourceRef = sourceRef.String
	a.ParentID = parentID.String
	a.QualityGrade = types.Grade(grade.String)
	a.QualityScore = int(score.Int64)
	a.AnalyzerVersion = analyzerVersion.String
	a.Flags.SupersededBy = supersededBy.String
	if conceptIDs.Valid && conceptIDs.String != "" {
		_ = json.Unmarshal([]byte(conceptIDs.String), &a.ConceptIDs)
	}
	if issues.Valid && issues.String != "" {
		_ = json.Unmarshal([]byte(issues.String), &a.QualityIssues)
	}
	if lastReview.Valid {
		t := lastReview.Time
		a.FSRS.LastReview = &t
	}
	if nextReview.Valid {
		t := nextReview.Time
		a.FSRS.NextReview = &t
	}
	return &a, nil
}

func jsonOrNull(v interface{}) interface{} {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil
		}
	case []types.IssueKind:
		if len(x) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetAtom fetches one atom by id.
func (s *Store) GetAtom(id string) (*types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+atomColumns+" FROM atoms WHERE id = ?", id)
	a, err := scanAtom(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("atom %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get atom %s: %w", id, err)
	}
	return a, nil
}

// GetAtomBySourceRef fetches an atom by its (source, source_ref) upsert key.
func (s *Store) GetAtomBySourceRef(source types.Source, ref string) (*types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+atomColumns+" FROM atoms WHERE source = ? AND source_ref = ?", source, ref)
	a, err := scanAtom(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("atom %s/%s: %w", source, ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get atom by source ref: %w", err)
	}
	return a, nil
}

// AtomFilter narrows ListAtoms.
type AtomFilter struct {
	Grades            []types.Grade
	Types             []types.AtomType
	SectionID         string
	NeedsRewrite      bool
	ExcludeSuperseded bool
	Limit             int
}

// ListAtoms returns atoms matching the filter, ordered by id for
// deterministic output.
func (s *Store) ListAtoms(f AtomFilter) ([]types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []interface{}
	)
	if len(f.Grades) > 0 {
		ph := make([]string, len(f.Grades))
		for i, g := range f.Grades {
			ph[i] = "?"
			args = append(args, string(g))
		}
		conds = append(conds, "quality_grade IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(ph, ",")+")")
	}
	if f.SectionID != "" {
		conds = append(conds, "section_id = ?")
		args = append(args, f.SectionID)
	}
	if f.NeedsRewrite {
		conds = append(conds, "needs_rewrite = 1")
	}
	if f.ExcludeSuperseded {
		conds = append(conds, "(superseded_by IS NULL OR superseded_by = '')")
	}

	query := "SELECT " + atomColumns + " FROM atoms"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list atoms: %w", err)
	}
	defer rows.Close()

	var out []types.Atom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan atom: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DueAtoms returns non-superseded atoms whose next_review is at or before
// now (NEW atoms with no next_review included), ordered soonest first.
func (s *Store) DueAtoms(now time.Time, limit int) ([]types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + atomColumns + ` FROM atoms
		WHERE (superseded_by IS NULL OR superseded_by = '')
		  AND (next_review IS NULL OR next_review <= ?)
		ORDER BY next_review IS NULL, next_review, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due atoms: %w", err)
	}
	defer rows.Close()

	var out []types.Atom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan atom: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpsertResult reports what a batch upsert actually changed.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int
}

// UpsertAtoms writes a batch of transformed atoms in one transaction, keyed
// by (source, source_ref). Unchanged rows are left untouched so re-running
// the transform on identical staging is a no-op. On any constraint failure
// the whole batch rolls back.
func (s *Store) UpsertAtoms(atoms []types.Atom) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	tx, err := s.db.Begin()
	if err != nil {
		return res, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range atoms {
		a := &atoms[i]

		existing := tx.QueryRow(
			"SELECT "+atomColumns+" FROM atoms WHERE source = ? AND source_ref = ?",
			a.Source, a.SourceRef)
		cur, err := scanAtom(existing)
		switch {
		case err == sql.ErrNoRows:
			if err := insertAtomTx(tx, a); err != nil {
				return UpsertResult{}, err
			}
			res.Created++
		case err != nil:
			return UpsertResult{}, fmt.Errorf("failed to probe atom %s/%s: %w", a.Source, a.SourceRef, err)
		default:
			if atomContentEqual(cur, a) {
				res.Skipped++
				continue
			}
			// Content changed at the source: overwrite payload fields,
			// keep identity, FSRS history, and bump version.
			_, err := tx.Exec(`UPDATE atoms SET
					front = ?, back = ?, type = ?, section_id = ?, concept_ids = ?,
					knowledge_type = ?, difficulty = ?,
					quality_grade = ?, quality_score = ?, quality_issues = ?, analyzer_version = ?,
					is_atomic = ?, is_verbose = ?, needs_split = ?, needs_rewrite = ?, needs_review = ?,
					version = version + 1, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?`,
				a.Front, a.Back, a.Type, nullIfEmpty(a.SectionID), jsonOrNull(a.ConceptIDs),
				a.KnowledgeType, a.Difficulty,
				string(a.QualityGrade), a.QualityScore, jsonOrNull(a.QualityIssues), nullIfEmpty(a.AnalyzerVersion),
				a.Flags.IsAtomic, a.Flags.IsVerbose, a.Flags.NeedsSplit, a.Flags.NeedsRewrite, a.Flags.NeedsReview,
				cur.ID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("failed to update atom %s: %w", cur.ID, err)
			}
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit atom batch: %w", err)
	}
	logging.StoreDebug("UpsertAtoms: created=%d updated=%d skipped=%d", res.Created, res.Updated, res.Skipped)
	return res, nil
}

func insertAtomTx(tx *sql.Tx, a *types.Atom) error {
	_, err := tx.Exec(`INSERT INTO atoms (
			id, front, back, type, section_id, concept_ids, knowledge_type, difficulty,
			quality_grade, quality_score, quality_issues, analyzer_version,
			source, source_ref, parent_id,
			stability_days, fsrs_difficulty, retrievability, review_count, lapses,
			last_review, next_review,
			is_atomic, is_verbose, needs_split, needs_rewrite, needs_review, superseded_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Front, a.Back, a.Type, nullIfEmpty(a.SectionID), jsonOrNull(a.ConceptIDs),
		a.KnowledgeType, a.Difficulty,
		string(a.QualityGrade), a.QualityScore, jsonOrNull(a.QualityIssues), nullIfEmpty(a.AnalyzerVersion),
		a.Source, nullIfEmpty(a.SourceRef), nullIfEmpty(a.ParentID),
		a.FSRS.StabilityDays, a.FSRS.Difficulty, a.FSRS.Retrievability,
		a.FSRS.ReviewCount, a.FSRS.Lapses,
		a.FSRS.LastReview, a.FSRS.NextReview,
		a.Flags.IsAtomic, a.Flags.IsVerbose, a.Flags.NeedsSplit,
		a.Flags.NeedsRewrite, a.Flags.NeedsReview, nullIfEmpty(a.Flags.SupersededBy))
	if err != nil {
		return fmt.Errorf("failed to insert atom %s: %w", a.ID, err)
	}
	return nil
}

// atomContentEqual compares the fields the transform owns; FSRS state and
// review flags set later in the pipeline do not count.
func atomContentEqual(cur, next *types.Atom) bool {
	if cur.Front != next.Front || cur.Back != next.Back || cur.Type != next.Type {
		return false
	}
	if cur.SectionID != next.SectionID || cur.KnowledgeType != next.KnowledgeType {
		return false
	}
	if len(cur.ConceptIDs) != len(next.ConceptIDs) {
		return false
	}
	for i := range cur.ConceptIDs {
		if cur.ConceptIDs[i] != next.ConceptIDs[i] {
			return false
		}
	}
	return true
}

// UpdateAtomChecked overwrites an atom's content and analysis fields using
// optimistic locking: the write succeeds only if the stored version still
// equals expectedVersion, otherwise ErrStaleAtom. Used by review approvals.
func (s *Store) UpdateAtomChecked(a *types.Atom, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE atoms SET
			front = ?, back = ?,
			quality_grade = ?, quality_score = ?, quality_issues = ?, analyzer_version = ?,
			is_atomic = ?, is_verbose = ?, needs_split = ?, needs_rewrite = ?, needs_review = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		a.Front, a.Back,
		string(a.QualityGrade), a.QualityScore, jsonOrNull(a.QualityIssues), nullIfEmpty(a.AnalyzerVersion),
		a.Flags.IsAtomic, a.Flags.IsVerbose, a.Flags.NeedsSplit, a.Flags.NeedsRewrite, a.Flags.NeedsReview,
		a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update atom %s: %w", a.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM atoms WHERE id = ?", a.ID).Scan(&exists); err == nil && exists == 0 {
			return fmt.Errorf("atom %s: %w", a.ID, ErrNotFound)
		}
		return fmt.Errorf("atom %s at version %d: %w", a.ID, expectedVersion, ErrStaleAtom)
	}
	return nil
}

// UpdateQuality rewrites only the analyzer-derived fields. Used by the
// analyze stage; bypasses the optimistic lock because analysis is derived
// and idempotent.
func (s *Store) UpdateQuality(atomID string, grade types.Grade, score int, issues []types.IssueKind, flags types.AtomFlags, analyzerVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE atoms SET
			quality_grade = ?, quality_score = ?, quality_issues = ?, analyzer_version = ?,
			is_atomic = ?, is_verbose = ?, needs_split = ?, needs_rewrite = ?, needs_review = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(grade), score, jsonOrNull(issues), analyzerVersion,
		flags.IsAtomic, flags.IsVerbose, flags.NeedsSplit, flags.NeedsRewrite, flags.NeedsReview,
		atomID)
	if err != nil {
		return fmt.Errorf("failed to update quality for atom %s: %w", atomID, err)
	}
	return nil
}

// UpdateFSRS persists post-response scheduling state. Callers hold the
// per-atom lock (WithAtomLock) so concurrent responses serialize.
func (s *Store) UpdateFSRS(atomID string, fsrs types.FSRSState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE atoms SET
			stability_days = ?, fsrs_difficulty = ?, retrievability = ?,
			review_count = ?, lapses = ?, last_review = ?, next_review = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		fsrs.StabilityDays, fsrs.Difficulty, fsrs.Retrievability,
		fsrs.ReviewCount, fsrs.Lapses, fsrs.LastReview, fsrs.NextReview,
		atomID)
	if err != nil {
		return fmt.Errorf("failed to update fsrs for atom %s: %w", atomID, err)
	}
	return nil
}

// InsertAtom inserts a single atom (manual/ai_generated creation paths).
func (s *Store) InsertAtom(a *types.Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := insertAtomTx(tx, a); err != nil {
		return err
	}
	return tx.Commit()
}
