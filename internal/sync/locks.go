package sync

import gosync "sync"

// keyedLocks serializes work per order id so the sync and reconciliation
// timers cannot interleave writes to the same order's state.
type keyedLocks struct {
    mu    gosync.Mutex
    locks map[string]*lockEntry
}

type lockEntry struct {
    mu   gosync.Mutex
    refs int
}

func newKeyedLocks() *keyedLocks {
    return &keyedLocks{locks: map[string]*lockEntry{}}
}

// Lock acquires the lock for key and returns the unlock function. Entries
// are refcounted and dropped from the map when the last holder releases.
func (k *keyedLocks) Lock(key string) func() {
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
        if e.refs == 0 { delete(k.locks, key) }
        k.mu.Unlock()
    }
}
