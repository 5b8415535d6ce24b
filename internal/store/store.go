// Package store is the persistence layer: named stores holding one
// JSON document each, mutated only through atomic read-transform-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var (
	// ErrCorruptStore means the persisted snapshot is not valid JSON.
	// Callers decide whether to quarantine-and-reset or abort.
	ErrCorruptStore = errors.New("corrupt store")

	// ErrLockTimeout means the per-store lock could not be acquired
	// within the configured bound.
	ErrLockTimeout = errors.New("store lock timeout")

	// ErrInvalidStoreID rejects identifiers that cannot be mapped to a
	// storage location safely.
	ErrInvalidStoreID = errors.New("invalid store id")
)

// Transform produces the next snapshot from the current one. A nil
// input means the store does not exist yet. Returning an error aborts
// the modify without writing.
type Transform func(current []byte) ([]byte, error)

// Store is a named durable container of JSON snapshots.
//
// Read returns the latest committed snapshot, or nil if the store has
// never been written. Modify applies fn atomically with respect to all
// other Modify calls on the same id: fn always observes the latest
// committed snapshot, and the result is durable before Modify returns.
type Store interface {
	Read(ctx context.Context, id string) ([]byte, error)
	Modify(ctx context.Context, id string, fn Transform) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Store identifiers are service-chosen names like "accounts" or
// "history:alice". Keeping the alphabet tight means ids map directly
// to file names and primary keys.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) || len(id) > 200 {
		return fmt.Errorf("%w: %q", ErrInvalidStoreID, id)
	}
	return nil
}

// lockTable hands out one lock per store id so unrelated stores never
// serialize against each other.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

func newLockTable(timeout time.Duration) *lockTable {
	return &lockTable{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (t *lockTable) get(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// acquire blocks until the lock for id is held, the timeout elapses,
// or ctx is done. The returned release function must be called exactly
// once on success.
func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	ch := t.get(id)

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, id, t.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
