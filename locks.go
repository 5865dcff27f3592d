package shelf

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	lockTimeout       = 1800 * time.Second
	lockSweepInterval = 10 * time.Minute
)

// Lock is an advisory WebDAV write lock. Locks are bookkeeping for WebDAV
// clients only; GET/PUT/DELETE never consult them.
type Lock struct {
	Token     string
	Owner     string
	Timeout   time.Duration
	CreatedAt time.Time
}

func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.CreatedAt.Add(l.Timeout))
}

// LockTable is the in-memory lock store, keyed by the WebDAV subpath. A
// table is scoped to one server instance; it runs its own expiry sweep under
// the supervisor.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

func NewLockTable() *LockTable {
	return &LockTable{
		locks: map[string]*Lock{},
	}
}

// Acquire always grants a fresh exclusive lock, replacing whatever was
// recorded for the path. Two clients can both believe they hold an exclusive
// lock on the same resource; that mirrors the advisory-only contract.
func (t *LockTable) Acquire(davPath, owner string) *Lock {
	lock := &Lock{
		Token:     "opaquelocktoken:" + uuid.NewString(),
		Owner:     owner,
		Timeout:   lockTimeout,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.locks[davPath] = lock
	t.mu.Unlock()

	return lock
}

func (t *LockTable) Get(davPath string) *Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks[davPath]
}

// RemoveToken drops the first lock matching the token, wherever it lives.
func (t *LockTable) RemoveToken(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, lock := range t.locks {
		if lock.Token == token {
			delete(t.locks, path)
			return true
		}
	}
	return false
}

func (t *LockTable) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for path, lock := range t.locks {
		if lock.Expired(now) {
			delete(t.locks, path)
			removed++
		}
	}
	return removed
}

func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func (t *LockTable) Serve(ctx context.Context) error {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if removed := t.Sweep(now); removed > 0 {
				log.Printf("locks: swept %d expired locks", removed)
			}
		}
	}
}
