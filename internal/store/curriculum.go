package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/types"
)

// =============================================================================
// CURRICULUM (sections, concepts) & DERIVED STUDY STATE
// =============================================================================

// UpsertSections writes curriculum sections in one transaction.
func (s *Store) UpsertSections(sections []types.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, sec := range sections {
		_, err := tx.Exec(`INSERT INTO sections (id, parent_id, level, display_order, title, content)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				level = excluded.level,
				display_order = excluded.display_order,
				title = excluded.title,
				content = COALESCE(excluded.content, sections.content)`,
			sec.ID, nullIfEmpty(sec.ParentID), sec.Level, sec.DisplayOrder,
			sec.Title, nullIfEmpty(sec.Content))
		if err != nil {
			return fmt.Errorf("failed to upsert section %s: %w", sec.ID, err)
		}
	}
	return tx.Commit()
}

// ListSections returns all sections ordered by level then display order.
func (s *Store) ListSections() ([]types.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, parent_id, level, display_order, title, content
		FROM sections ORDER BY level, display_order, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var out []types.Section
	for rows.Next() {
		var (
			sec             types.Section
			parent, content sql.NullString
		)
		if err := rows.Scan(&sec.ID, &parent, &sec.Level, &sec.DisplayOrder, &sec.Title, &content); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sec.ParentID = parent.String
		sec.Content = content.String
		out = append(out, sec)
	}
	return out, rows.Err()
}

// GetSection fetches one section by id.
func (s *Store) GetSection(id string) (*types.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sec             types.Section
		parent, content sql.NullString
	)
	err := s.db.QueryRow(`SELECT id, parent_id, level, display_order, title, content
		FROM sections WHERE id = ?`, id).
		Scan(&sec.ID, &parent, &sec.Level, &sec.DisplayOrder, &sec.Title, &content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("section %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section %s: %w", id, err)
	}
	sec.ParentID = parent.String
	sec.Content = content.String
	return &sec, nil
}

// UpsertConcepts writes concepts in one transaction.
func (s *Store) UpsertConcepts(concepts []types.Concept) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range concepts {
		_, err := tx.Exec(`INSERT INTO concepts (id, name, section_id, prerequisites, confusables)
			VALUES (?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				section_id = excluded.section_id,
				prerequisites = excluded.prerequisites,
				confusables = excluded.confusables`,
			c.ID, c.Name, nullIfEmpty(c.SectionID),
			jsonOrNull(c.Prerequisites), jsonOrNull(c.Confusables))
		if err != nil {
			return fmt.Errorf("failed to upsert concept %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConcepts returns all concepts ordered by id.
func (s *Store) ListConcepts() ([]types.Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, section_id, prerequisites, confusables
		FROM concepts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	var out []types.Concept
	for rows.Next() {
		var (
			c                    types.Concept
			section, prereq, cf  sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &section, &prereq, &cf); err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		c.SectionID = section.String
		if prereq.Valid && prereq.String != "" {
			_ = json.Unmarshal([]byte(prereq.String), &c.Prerequisites)
		}
		if cf.Valid && cf.String != "" {
			_ = json.Unmarshal([]byte(cf.String), &c.Confusables)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceMastery swaps in a freshly computed mastery snapshot and struggle
// set in one transaction. Derived state is always rebuilt wholesale.
func (s *Store) ReplaceMastery(mastery []types.SectionMastery, struggles []types.StruggleSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM section_mastery"); err != nil {
		return fmt.Errorf("failed to clear mastery: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM struggle_signals"); err != nil {
		return fmt.Errorf("failed to clear struggles: %w", err)
	}

	for _, m := range mastery {
		_, err := tx.Exec(`INSERT INTO section_mastery
				(section_id, atom_count, atoms_new, atoms_learning, atoms_mastered,
				 atoms_struggling, avg_retrievability, avg_lapses, mcq_accuracy,
				 parsons_accuracy, remediation_score, computed_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.SectionID, m.AtomCount, m.AtomsNew, m.AtomsLearning, m.AtomsMastered,
			m.AtomsStruggling, m.AvgRetrievability, m.AvgLapses, m.MCQAccuracy,
			m.ParsonsAccuracy, m.RemediationScore, m.ComputedAt)
		if err != nil {
			return fmt.Errorf("failed to insert mastery for %s: %w", m.SectionID, err)
		}
	}
	for _, sig := range struggles {
		_, err := tx.Exec(`INSERT INTO struggle_signals
				(section_id, avg_retrievability, avg_lapses, mcq_accuracy,
				 parsons_accuracy, needs_remediation, reason)
			VALUES (?,?,?,?,?,?,?)`,
			sig.SectionID, sig.AvgRetrievability, sig.AvgLapses, sig.MCQAccuracy,
			sig.ParsonsAccuracy, sig.NeedsRemediation, nullIfEmpty(sig.Reason))
		if err != nil {
			return fmt.Errorf("failed to insert struggle for %s: %w", sig.SectionID, err)
		}
	}
	return tx.Commit()
}

// ListMastery returns the stored mastery snapshot.
func (s *Store) ListMastery() ([]types.SectionMastery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT section_id, atom_count, atoms_new, atoms_learning,
			atoms_mastered, atoms_struggling, avg_retrievability, avg_lapses,
			mcq_accuracy, parsons_accuracy, remediation_score, computed_at
		FROM section_mastery ORDER BY section_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mastery: %w", err)
	}
	defer rows.Close()

	var out []types.SectionMastery
	for rows.Next() {
		var m types.SectionMastery
		if err := rows.Scan(&m.SectionID, &m.AtomCount, &m.AtomsNew, &m.AtomsLearning,
			&m.AtomsMastered, &m.AtomsStruggling, &m.AvgRetrievability, &m.AvgLapses,
			&m.MCQAccuracy, &m.ParsonsAccuracy, &m.RemediationScore, &m.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mastery: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListStruggles returns the stored struggle set, remediation-needed first.
func (s *Store) ListStruggles() ([]types.StruggleSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT section_id, avg_retrievability, avg_lapses,
			mcq_accuracy, parsons_accuracy, needs_remediation, reason
		FROM struggle_signals ORDER BY needs_remediation DESC, section_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list struggles: %w", err)
	}
	defer rows.Close()

	var out []types.StruggleSignal
	for rows.Next() {
		var (
			sig    types.StruggleSignal
			reason sql.NullString
		)
		if err := rows.Scan(&sig.SectionID, &sig.AvgRetrievability, &sig.AvgLapses,
			&sig.MCQAccuracy, &sig.ParsonsAccuracy, &sig.NeedsRemediation, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan struggle: %w", err)
		}
		sig.Reason = reason.String
		out = append(out, sig)
	}
	return out, rows.Err()
}

// GetPersona loads the learner persona, or neutral priors if none stored.
func (s *Store) GetPersona() (*types.LearnerPersona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM persona WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return types.NewLearnerPersona(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	var p types.LearnerPersona
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode persona: %w", err)
	}
	return &p, nil
}

// SavePersona persists the learner persona.
func (s *Store) SavePersona(p *types.LearnerPersona) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode persona: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO persona (id, data, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		string(data))
	if err != nil {
		return fmt.Errorf("failed to save persona: %w", err)
	}
	return nil
}

// SaveSessionState persists a session autosave snapshot (opaque JSON).
func (s *Store) SaveSessionState(sessionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO session_state (session_id, data, updated_at)
		VALUES (?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		sessionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save session state %s: %w", sessionID, err)
	}
	return nil
}

// LoadSessionState loads a session autosave snapshot.
func (s *Store) LoadSessionState(sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM session_state WHERE session_id = ?", sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state %s: %w", sessionID, err)
	}
	return []byte(data), nil
}

// LatestSessionState returns the most recently saved session snapshot.
func (s *Store) LatestSessionState() (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		id   string
		data string
	)
	err := s.db.QueryRow("SELECT session_id, data FROM session_state ORDER BY updated_at DESC LIMIT 1").
		Scan(&id, &data)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("no saved sessions: %w", ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load latest session state: %w", err)
	}
	return id, []byte(data), nil
}
