package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	id       TEXT PRIMARY KEY,
	snapshot BLOB NOT NULL
);
`

// SQLiteStore is the alternate durable backend: one row per store,
// the snapshot column holding the JSON document. The Store contract
// is the same as FileStore's; SQLite's transactional replace stands
// in for the temp-file rename.
type SQLiteStore struct {
	conn  *sql.DB
	locks *lockTable
}

// NewSQLiteStore opens (and creates if needed) the database file.
func NewSQLiteStore(path string, lockTimeout time.Duration) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("schema failed: %w", err)
	}

	return &SQLiteStore{
		conn:  conn,
		locks: newLockTable(lockTimeout),
	}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var data []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT snapshot FROM stores WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %w", id, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrCorruptStore, id)
	}
	return data, nil
}

func (s *SQLiteStore) Modify(ctx context.Context, id string, fn Transform) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	// Serialize per store id in-process; the transaction below protects
	// the commit itself.
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction for store %s: %w", id, err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot FROM stores WHERE id = ?`, id).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read store %s: %w", id, err)
	}
	if current != nil && !json.Valid(current) {
		return nil, fmt.Errorf("%w: %s", ErrCorruptStore, id)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []byte("null")
	}
	if !json.Valid(next) {
		return nil, fmt.Errorf("transform produced invalid JSON for store %s", id)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stores (id, snapshot) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot
	`, id, next)
	if err != nil {
		return nil, fmt.Errorf("failed to write store %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit store %s: %w", id, err)
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM stores WHERE id LIKE ? ORDER BY id`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan store id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating store ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
