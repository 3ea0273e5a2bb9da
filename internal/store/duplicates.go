package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"mnemo/internal/types"
)

// =============================================================================
// DUPLICATE GROUPS
// =============================================================================

// SaveDuplicateGroups inserts freshly detected groups in one transaction.
func (s *Store) SaveDuplicateGroups(groups []types.DuplicateGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, g := range groups {
		_, err := tx.Exec(`INSERT INTO duplicate_groups
				(id, atom_ids, method, similarity, resolved, canonical_atom_id)
			VALUES (?,?,?,?,?,?)`,
			g.ID, jsonOrNull(g.AtomIDs), string(g.Method), g.Similarity,
			g.Resolved, nullIfEmpty(g.CanonicalAtomID))
		if err != nil {
			return fmt.Errorf("failed to insert duplicate group: %w", err)
		}
	}
	return tx.Commit()
}

// ListDuplicateGroups returns groups; resolved selects open (false) or
// resolved (true) groups.
func (s *Store) ListDuplicateGroups(resolved bool) ([]types.DuplicateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, atom_ids, method, similarity, resolved,
			canonical_atom_id, created_at
		FROM duplicate_groups WHERE resolved = ? ORDER BY created_at, id`, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate groups: %w", err)
	}
	defer rows.Close()

	var out []types.DuplicateGroup
	for rows.Next() {
		var (
			g         types.DuplicateGroup
			atomIDs   string
			canonical sql.NullString
		)
		if err := rows.Scan(&g.ID, &atomIDs, &g.Method, &g.Similarity,
			&g.Resolved, &canonical, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate group: %w", err)
		}
		_ = json.Unmarshal([]byte(atomIDs), &g.AtomIDs)
		g.CanonicalAtomID = canonical.String
		out = append(out, g)
	}
	return out, rows.Err()
}

// ResolvedPairs returns every unordered atom-id pair inside a resolved
// group, as "idA\x00idB" with idA < idB. The detector excludes these pairs
// from re-detection.
func (s *Store) ResolvedPairs() (map[string]struct{}, error) {
	groups, err := s.ListDuplicateGroups(true)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]struct{})
	for _, g := range groups {
		for i := 0; i < len(g.AtomIDs); i++ {
			for j := i + 1; j < len(g.AtomIDs); j++ {
				pairs[PairKey(g.AtomIDs[i], g.AtomIDs[j])] = struct{}{}
			}
		}
	}
	return pairs, nil
}

// PairKey builds the canonical unordered key for an atom-id pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// ResolveDuplicateGroup marks a group resolved, optionally recording which
// atom the reviewer kept as canonical.
func (s *Store) ResolveDuplicateGroup(id, canonicalAtomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE duplicate_groups SET resolved = 1, canonical_atom_id = ?
		WHERE id = ?`, nullIfEmpty(canonicalAtomID), id)
	if err != nil {
		return fmt.Errorf("failed to resolve duplicate group %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("duplicate group %s: %w", id, ErrNotFound)
	}
	return nil
}
