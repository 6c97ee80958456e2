// Package filelock provides per-file, non-blocking mutual exclusion for
// writes to durable storage.
package filelock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// ErrBusy is returned when a file is already locked. Callers retry on their
// own; the manager never queues.
var ErrBusy = errors.New("file is busy")

// Manager tracks which session currently holds each file's save lock.
// Absence from the map means unlocked.
type Manager struct {
	mu    sync.Mutex
	locks map[fileid.ID]string
}

// New creates a Manager.
func New() *Manager {
	return &Manager{locks: make(map[fileid.ID]string)}
}

// TryAcquire locks id for owner, or fails immediately with ErrBusy.
func (m *Manager) TryAcquire(id fileid.ID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.locks[id]; ok {
		metrics.RecordLockBusy()
		return fmt.Errorf("%w: %s is being saved by %s", ErrBusy, id, holder)
	}
	m.locks[id] = owner
	return nil
}

// Release unlocks id regardless of who holds it or how the guarded
// operation ended.
func (m *Manager) Release(id fileid.ID) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// Owner returns the current holder of id's lock.
func (m *Manager) Owner(id fileid.ID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.locks[id]
	return owner, ok
}
