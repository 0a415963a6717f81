package merge

import "sync"

// keylock provides per-key mutual exclusion without a global lock, so
// merges for different transport numbers run in parallel while two merges
// for the same number always serialize. Entries are reference-counted and
// dropped when the last holder releases.
type keylock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeylock() *keylock {
	return &keylock{locks: map[string]*lockEntry{}}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keylock) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
