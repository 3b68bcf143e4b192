package plugins

import "sync"

// keyedLocks serializes lifecycle operations per plugin identifier so that
// concurrent load/toggle/delete calls for the same plugin cannot interleave
// while operations on different plugins proceed in parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for id, creating it on first use, and returns the
// unlock function.
func (k *keyedLocks) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
