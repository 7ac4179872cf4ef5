package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDatasetExists is returned when a dataset name is already taken.
	ErrDatasetExists = errors.New("dataset name already exists")
	// ErrUsernameTaken is returned when a username is already taken.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrLastAdmin is returned when an operation would leave no admin.
	ErrLastAdmin = errors.New("cannot remove the last admin user")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		access_level TEXT NOT NULL DEFAULT 'user',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_dataset_access (
		user_id INTEGER NOT NULL,
		dataset_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, dataset_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (dataset_id) REFERENCES datasets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS qa_pairs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id INTEGER NOT NULL,
		question_text TEXT NOT NULL,
		system_answer_text TEXT NOT NULL,
		original_qa_id TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (dataset_id) REFERENCES datasets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_qa_pairs_dataset ON qa_pairs(dataset_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		qa_pair_id INTEGER NOT NULL,
		user_id INTEGER,
		text_feedback TEXT,
		accuracy_score INTEGER CHECK (accuracy_score BETWEEN 1 AND 5),
		completeness_score INTEGER CHECK (completeness_score BETWEEN 1 AND 5),
		clarity_score INTEGER CHECK (clarity_score BETWEEN 1 AND 5),
		clinical_relevance_score INTEGER CHECK (clinical_relevance_score BETWEEN 1 AND 5),
		gold_standard_answer TEXT,
		submitted_at DATETIME NOT NULL,
		UNIQUE (qa_pair_id, user_id),
		FOREIGN KEY (qa_pair_id) REFERENCES qa_pairs(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, committing only if fn returns nil.
// fn must use tx exclusively: the pool holds a single connection.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
