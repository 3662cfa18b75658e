package domain

import "sync"

// KindLocks serializes every read-correct-write and merge sequence per entity
// kind. The "at most one active interval" invariant spans multiple records,
// so it cannot be delegated to the storage engine's own locking.
type KindLocks struct {
	mu map[Kind]*sync.Mutex
}

func NewKindLocks() *KindLocks {
	locks := &KindLocks{mu: make(map[Kind]*sync.Mutex, len(Kinds))}
	for _, kind := range Kinds {
		locks.mu[kind] = &sync.Mutex{}
	}
	return locks
}

// Lock acquires the mutex for the kind and returns the unlock func.
func (l *KindLocks) Lock(kind Kind) func() {
	mu, ok := l.mu[kind]
	if !ok {
		// Unknown kinds indicate a programming error upstream.
		panic("treatment: no lock registered for kind " + string(kind))
	}
	mu.Lock()
	return mu.Unlock
}
