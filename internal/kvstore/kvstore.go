// Package kvstore provides a small durable key/value store on SQLite.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when a key does not exist in a namespace
var ErrNotFound = errors.New("key not found")

// Entry is a stored value with its write time
type Entry struct {
	Value     []byte
	UpdatedAt time.Time
}

// Store is a namespaced key/value table in a SQLite database
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the table if it doesn't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the entry stored under namespace/key
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var value []byte
	var updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT value, updated_at FROM kv WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&value, &updatedStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	updated, _ := time.Parse(time.RFC3339Nano, updatedStr)
	return &Entry{Value: value, UpdatedAt: updated}, nil
}

// Set writes value under namespace/key, replacing any previous value
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// SetMany writes several keys of one namespace in a single transaction
func (s *Store) SetMany(ctx context.Context, namespace string, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, key, value, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

// DeleteNamespace removes every key in namespace
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ?", namespace)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
