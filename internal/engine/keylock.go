package engine

import (
	"sort"
	"sync"
)

// keyedMutex hands out exclusive-access scopes by string key: the order
// book scope is keyed by (stock, price) and settlement scopes by account.
// Keys are sorted before locking so overlapping acquisitions cannot
// deadlock, and the returned release function unlocks on every exit path.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Acquire locks every key (deduplicated, in sorted order) and returns the
// release function. Callers must defer the release.
func (k *keyedMutex) Acquire(keys ...string) func() {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	entries := make([]*lockEntry, len(sorted))
	for i, key := range sorted {
		k.mu.Lock()
		e, ok := k.locks[key]
		if !ok {
			e = &lockEntry{}
			k.locks[key] = e
		}
		e.refs++
		k.mu.Unlock()

		e.Lock()
		entries[i] = e
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].Unlock()

			k.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
