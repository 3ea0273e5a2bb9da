package store

import (
	"encoding/json"
	"fmt"
	"math"
)

// =============================================================================
// ATOM EMBEDDINGS (semantic duplicate detection)
// =============================================================================
//
// Embeddings are serialized as JSON float arrays. When the binary is built
// with the sqlite_vec tag (see init_vec.go), the sqlite-vec extension is
// auto-registered and ANN queries become available; the JSON path below is
// the portable fallback and the source of truth either way.

// SaveEmbedding stores or refreshes one atom's embedding.
func (s *Store) SaveEmbedding(atomID string, embedding []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO atom_embeddings (atom_id, embedding, model, updated_at)
		VALUES (?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(atom_id) DO UPDATE SET
			embedding = excluded.embedding, model = excluded.model, updated_at = CURRENT_TIMESTAMP`,
		atomID, string(data), model)
	if err != nil {
		return fmt.Errorf("failed to save embedding for %s: %w", atomID, err)
	}
	return nil
}

// AllEmbeddings loads every stored embedding keyed by atom id.
func (s *Store) AllEmbeddings() (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT atom_id, embedding FROM atom_embeddings")
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var (
			atomID string
			data   string
		)
		if err := rows.Scan(&atomID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		var emb []float32
		if err := json.Unmarshal([]byte(data), &emb); err != nil {
			continue // Corrupt row; dedup falls back to fuzzy for it.
		}
		out[atomID] = emb
	}
	return out, rows.Err()
}

// MissingEmbeddings returns ids of non-superseded atoms without a stored
// embedding for the given model.
func (s *Store) MissingEmbeddings(model string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT a.id FROM atoms a
		LEFT JOIN atom_embeddings e ON e.atom_id = a.id AND e.model = ?
		WHERE e.atom_id IS NULL AND (a.superseded_by IS NULL OR a.superseded_by = '')
		ORDER BY a.id`, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 when either vector is zero or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
