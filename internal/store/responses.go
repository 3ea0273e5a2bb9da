package store

import (
	"database/sql"
	"fmt"

	"mnemo/internal/types"
)

// =============================================================================
// RESPONSE LOG (append-only)
// =============================================================================

// AppendResponse records one learner interaction. The log is append-only;
// there is no update or delete path.
func (s *Store) AppendResponse(r *types.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO responses
			(atom_id, session_id, is_correct, response_time_ms, hint_used, chosen_option, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		r.AtomID, r.SessionID, r.IsCorrect, r.ResponseTimeMs, r.HintUsed,
		nullIfEmpty(r.ChosenOption), r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append response: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ResponsesForAtom returns the atom's responses in timestamp order,
// newest last, capped at limit (0 = all).
func (s *Store) ResponsesForAtom(atomID string, limit int) ([]types.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, atom_id, session_id, is_correct, response_time_ms,
			hint_used, chosen_option, timestamp
		FROM responses WHERE atom_id = ? ORDER BY timestamp`
	if limit > 0 {
		// Keep only the most recent N while preserving ascending order.
		query = `SELECT * FROM (
			SELECT id, atom_id, session_id, is_correct, response_time_ms,
				hint_used, chosen_option, timestamp
			FROM responses WHERE atom_id = ? ORDER BY timestamp DESC LIMIT ` +
			fmt.Sprintf("%d", limit) + `) ORDER BY timestamp`
	}

	rows, err := s.db.Query(query, atomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses for atom %s: %w", atomID, err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// ResponsesForSession returns all responses of a session in order.
func (s *Store) ResponsesForSession(sessionID string) ([]types.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, atom_id, session_id, is_correct, response_time_ms,
			hint_used, chosen_option, timestamp
		FROM responses WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// AllResponses streams the whole log in timestamp order, for mastery and
// persona rebuilds.
func (s *Store) AllResponses() ([]types.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, atom_id, session_id, is_correct, response_time_ms,
			hint_used, chosen_option, timestamp
		FROM responses ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

func scanResponses(rows *sql.Rows) ([]types.Response, error) {
	var out []types.Response
	for rows.Next() {
		var (
			r      types.Response
			option sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AtomID, &r.SessionID, &r.IsCorrect,
			&r.ResponseTimeMs, &r.HintUsed, &option, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.ChosenOption = option.String
		out = append(out, r)
	}
	return out, rows.Err()
}
