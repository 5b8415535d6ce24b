package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps each store as a single JSON file under a data
// directory. Writes go to a temp file in the same directory and are
// atomically renamed over the target, so a crash mid-write leaves
// either the old snapshot or the new one, never a torn file.
type FileStore struct {
	dir   string
	locks *lockTable
}

const fileExt = ".json"

// renameFile is swapped out by crash-safety tests to fail the replace
// step after the temp file exists.
var renameFile = os.Rename

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, lockTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		locks: newLockTable(lockTimeout),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Read returns the current snapshot, or nil if the store does not exist.
func (s *FileStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
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

// Modify applies fn under the per-store lock and commits the result
// with a temp-file-and-rename replace.
func (s *FileStore) Modify(ctx context.Context, id string, fn Transform) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
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

	if err := s.commit(id, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *FileStore) commit(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for store %s: %w", id, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync store %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for store %s: %w", id, err)
	}

	if err := renameFile(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store %s: %w", id, err)
	}
	return nil
}

// List returns the ids of existing stores with the given prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
