package collab

import (
	"sync"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
)

// keyedMutex hands out one mutex per file. Entries are reference counted
// and removed when the last holder unlocks, so idle files cost nothing.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[fileid.ID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[fileid.ID]*refMutex)}
}

// Lock blocks until the mutex for id is held and returns its unlock func.
func (k *keyedMutex) Lock(id fileid.ID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
