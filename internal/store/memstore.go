package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and as a reference for
// the contract. It honors the same per-store locking semantics as the
// durable backends.
type MemStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	locks *lockTable
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data:  make(map[string][]byte),
		locks: newLockTable(5 * time.Second),
	}
}

func (s *MemStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemStore) Modify(ctx context.Context, id string, fn Transform) ([]byte, error) {
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

	s.mu.Lock()
	s.data[id] = next
	s.mu.Unlock()

	cp := make([]byte, len(next))
	copy(cp, next)
	return cp, nil
}

func (s *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.data {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) Close() error { return nil }
