package account

import (
	"context"
	"sync"
)

// LockTable serialises operations per account id. Locks are created on
// first use and kept for the life of the process.
type LockTable struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[int64]chan struct{})}
}

func (t *LockTable) slot(id int64) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// Acquire blocks until the account's lock is held or ctx is done.
func (t *LockTable) Acquire(ctx context.Context, id int64) error {
	select {
	case t.slot(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the account's lock. Releasing an unheld lock is a no-op.
func (t *LockTable) Release(id int64) {
	select {
	case <-t.slot(id):
	default:
	}
}

// With runs fn while holding the account's lock.
func (t *LockTable) With(ctx context.Context, id int64, fn func() error) error {
	if err := t.Acquire(ctx, id); err != nil {
		return err
	}
	defer t.Release(id)
	return fn()
}

// Held reports whether the account's lock is currently taken.
func (t *LockTable) Held(id int64) bool {
	return len(t.slot(id)) == 1
}
