// Package keymutex provides per-key advisory mutexes.
//
// The transactional wrapper uses one to serialize mutating operations per
// collection id while letting distinct ids proceed concurrently, and exposes
// Locked so read-only scanners can discount issues observed for an id that is
// mid-operation.
package keymutex

import "sync"

type entry struct {
	sema chan struct{}
	refs int
}

// KeyedMutex is a set of mutexes addressed by string key. The zero value is
// not usable; call New.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is held.
func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sema: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.sema <- struct{}{}
}

// TryLock acquires the mutex for key without blocking. It reports whether the
// lock was acquired.
func (m *KeyedMutex) TryLock(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sema: make(chan struct{}, 1)}
		m.entries[key] = e
	}

	select {
	case e.sema <- struct{}{}:
		e.refs++
		m.mu.Unlock()
		return true
	default:
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return false
	}
}

// Unlock releases the mutex for key. Unlocking a key that is not held panics.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("keymutex: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	select {
	case <-e.sema:
	default:
		panic("keymutex: unlock of unlocked key " + key)
	}
}

// Locked reports whether the mutex for key is currently held. The answer is
// advisory: it may be stale by the time the caller acts on it.
func (m *KeyedMutex) Locked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && len(e.sema) > 0
}

// LockAll acquires the mutexes for all keys in a deterministic order so that
// multi-key holders cannot deadlock each other.
func (m *KeyedMutex) LockAll(keys []string) {
	for _, key := range sortedUnique(keys) {
		m.Lock(key)
	}
}

// UnlockAll releases the mutexes acquired by LockAll.
func (m *KeyedMutex) UnlockAll(keys []string) {
	unique := sortedUnique(keys)
	for i := len(unique) - 1; i >= 0; i-- {
		m.Unlock(unique[i])
	}
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	// Insertion sort; key counts are tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
