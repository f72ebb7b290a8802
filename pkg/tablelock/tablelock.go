// Package tablelock provides per-destination-table mutual exclusion so a
// duplicate check and its matching insert execute as one atomic unit across
// concurrent import workers.
package tablelock

import "sync"

// Manager hands out one exclusive lock per destination table name.
//
// Locks are created on first use and cached for the process lifetime; they
// are never deleted. Two different fingerprints targeting the same table
// still serialize because the key is the table name alone.
//
// A Manager must be shared by every worker writing to the same store —
// create one per orchestrator, not per request.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

// WithTableLock runs fn while holding the exclusive lock for tableName.
// The lock is released on all exit paths, including panics, so a failing
// worker cannot wedge its siblings.
//
// fn must not acquire another table's lock: single-lock-at-a-time is the
// deadlock-freedom invariant for the whole pool.
func (m *Manager) WithTableLock(tableName string, fn func() error) error {
	lock := m.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// lockFor returns the cached lock for a table, creating it if needed.
// Registry bookkeeping stays O(map operation) under the registry mutex;
// the table work itself happens after release.
func (m *Manager) lockFor(tableName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[tableName]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[tableName] = lock
	return lock
}
