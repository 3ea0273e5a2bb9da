// Package store persists all mnemo state in a single SQLite database:
// canonical atoms (optimistic-lock versioned), the raw staging landing zone,
// sync checkpoints and run history, the review queue with its transition
// history, the append-only response log, and the derived study snapshots.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"mnemo/internal/logging"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleAtom is returned when an optimistic-lock write loses: the
	// atom's version moved since the caller read it. Callers retry with a
	// fresh read.
	ErrStaleAtom = errors.New("stale atom version")
)

// Store wraps the SQLite database. One writer at a time; SQLite serializes
// the rest behind busy_timeout.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// Per-atom locks serialize FSRS updates on the same atom.
	atomLocksMu sync.Mutex
	atomLocks   map[string]*sync.Mutex
}

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path, atomLocks: make(map[string]*sync.Mutex)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Store schema initialized")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable (health endpoint).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB exposes the raw handle for tests and one-off maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithAtomLock runs fn while holding the per-atom lock, serializing FSRS
// updates on the same atom across goroutines.
func (s *Store) WithAtomLock(atomID string, fn func() error) error {
	s.atomLocksMu.Lock()
	l, ok := s.atomLocks[atomID]
	if !ok {
		l = &sync.Mutex{}
		s.atomLocks[atomID] = l
	}
	s.atomLocksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	atomsTable := `
	CREATE TABLE IF NOT EXISTS atoms (
		id TEXT PRIMARY KEY,
		front TEXT NOT NULL,
		back TEXT NOT NULL,
		type TEXT NOT NULL,
		section_id TEXT,
		concept_ids TEXT,
		knowledge_type TEXT NOT NULL DEFAULT 'declarative',
		difficulty REAL NOT NULL DEFAULT 0.3,
		quality_grade TEXT,
		quality_score INTEGER,
		quality_issues TEXT,
		analyzer_version TEXT,
		source TEXT NOT NULL,
		source_ref TEXT,
		parent_id TEXT,
		stability_days REAL NOT NULL DEFAULT 0,
		fsrs_difficulty REAL NOT NULL DEFAULT 0.3,
		retrievability REAL NOT NULL DEFAULT 0,
		review_count INTEGER NOT NULL DEFAULT 0,
		lapses INTEGER NOT NULL DEFAULT 0,
		last_review DATETIME,
		next_review DATETIME,
		is_atomic INTEGER NOT NULL DEFAULT 1,
		is_verbose INTEGER NOT NULL DEFAULT 0,
		needs_split INTEGER NOT NULL DEFAULT 0,
		needs_rewrite INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		superseded_by TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source, source_ref)
	);
	CREATE INDEX IF NOT EXISTS idx_atoms_section ON atoms(section_id);
	CREATE INDEX IF NOT EXISTS idx_atoms_grade ON atoms(quality_grade);
	CREATE INDEX IF NOT EXISTS idx_atoms_next_review ON atoms(next_review);
	CREATE INDEX IF NOT EXISTS idx_atoms_type ON atoms(type);
	`

	stagingTable := `
	CREATE TABLE IF NOT EXISTS staging (
		collection TEXT NOT NULL,
		external_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		external_last_edited DATETIME,
		tombstoned INTEGER NOT NULL DEFAULT 0,
		first_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(collection, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_staging_last_seen ON staging(collection, last_seen_at);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		collection TEXT PRIMARY KEY,
		last_cursor TEXT NOT NULL DEFAULT '',
		last_edited_watermark DATETIME,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_success_at DATETIME
	);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		mode TEXT,
		collections TEXT,
		status TEXT NOT NULL,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		tombstoned INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_kind_started ON runs(kind, started_at);

	CREATE TABLE IF NOT EXISTS run_stages (
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(run_id, stage)
	);
	`

	reviewTable := `
	CREATE TABLE IF NOT EXISTS review_queue (
		id TEXT PRIMARY KEY,
		source_atom_id TEXT NOT NULL,
		rewrite_type TEXT NOT NULL,
		suggested_front TEXT,
		suggested_back TEXT,
		split_suggestions TEXT,
		original_issues TEXT,
		original_grade TEXT,
		estimated_new_grade TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		reviewer_note TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		reviewed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_review_status ON review_queue(status);
	CREATE INDEX IF NOT EXISTS idx_review_atom ON review_queue(source_atom_id);

	CREATE TABLE IF NOT EXISTS review_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		note TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_item ON review_transitions(item_id);
	`

	duplicatesTable := `
	CREATE TABLE IF NOT EXISTS duplicate_groups (
		id TEXT PRIMARY KEY,
		atom_ids TEXT NOT NULL,
		method TEXT NOT NULL,
		similarity REAL NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		canonical_atom_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dup_resolved ON duplicate_groups(resolved);
	`

	responsesTable := `
	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		atom_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL,
		hint_used INTEGER NOT NULL DEFAULT 0,
		chosen_option TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_responses_atom ON responses(atom_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_responses_session ON responses(session_id);
	`

	curriculumTables := `
	CREATE TABLE IF NOT EXISTS sections (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		level INTEGER NOT NULL DEFAULT 1,
		display_order INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		content TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sections_parent ON sections(parent_id);

	CREATE TABLE IF NOT EXISTS concepts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		section_id TEXT,
		prerequisites TEXT,
		confusables TEXT
	);
	`

	derivedTables := `
	CREATE TABLE IF NOT EXISTS section_mastery (
		section_id TEXT PRIMARY KEY,
		atom_count INTEGER NOT NULL DEFAULT 0,
		atoms_new INTEGER NOT NULL DEFAULT 0,
		atoms_learning INTEGER NOT NULL DEFAULT 0,
		atoms_mastered INTEGER NOT NULL DEFAULT 0,
		atoms_struggling INTEGER NOT NULL DEFAULT 0,
		avg_retrievability REAL NOT NULL DEFAULT 0,
		avg_lapses REAL NOT NULL DEFAULT 0,
		mcq_accuracy REAL NOT NULL DEFAULT 1,
		parsons_accuracy REAL NOT NULL DEFAULT 1,
		remediation_score REAL NOT NULL DEFAULT 1,
		computed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS struggle_signals (
		section_id TEXT PRIMARY KEY,
		avg_retrievability REAL NOT NULL DEFAULT 0,
		avg_lapses REAL NOT NULL DEFAULT 0,
		mcq_accuracy REAL NOT NULL DEFAULT 1,
		parsons_accuracy REAL NOT NULL DEFAULT 1,
		needs_remediation INTEGER NOT NULL DEFAULT 0,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS persona (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_state (
		session_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS atom_embeddings (
		atom_id TEXT PRIMARY KEY,
		embedding TEXT NOT NULL,
		model TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, ddl := range []string{
		atomsTable, stagingTable, checkpointsTable, runsTable,
		reviewTable, duplicatesTable, responsesTable,
		curriculumTables, derivedTables, embeddingsTable,
	} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Stats returns row counts per table, mainly for status output and tests.
func (s *Store) Stats() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tables := []string{
		"atoms", "staging", "sync_checkpoints", "runs", "review_queue",
		"duplicate_groups", "responses", "sections", "concepts",
		"section_mastery", "struggle_signals",
	}
	stats := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		stats[t] = n
	}
	return stats, nil
}
