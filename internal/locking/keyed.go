// Package locking provides a keyed mutex used to serialize clearing
// operations per margin account and per series, instead of one global
// lock. Every mutating operation acquires the keys of each row it will
// touch before validating, and releases after the mutation commits.
package locking

import (
	"sort"
	"sync"
)

// KeyedMutex maintains one mutex per string key. Keys are acquired in
// sorted order so that operations touching overlapping key sets cannot
// deadlock. Mutexes are retained for the life of the process; the key
// space is bounded by accounts and series.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires every key (deduplicated, sorted) and returns a release
// function. The release function must be called exactly once.
func (m *KeyedMutex) Lock(keys ...string) (unlock func()) {
	ordered := dedupeSorted(keys)

	acquired := make([]*sync.Mutex, 0, len(ordered))
	for _, key := range ordered {
		acquired = append(acquired, m.get(key))
	}
	for _, l := range acquired {
		l.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(acquired) - 1; i >= 0; i-- {
				acquired[i].Unlock()
			}
		})
	}
}

func (m *KeyedMutex) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func dedupeSorted(keys []string) []string {
	ordered := make([]string, len(keys))
	copy(ordered, keys)
	sort.Strings(ordered)

	out := ordered[:0]
	for i, k := range ordered {
		if i > 0 && k == ordered[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}

// AccountKey is the lock key for one user's margin account.
func AccountKey(user string) string {
	return "acct/" + user
}

// SeriesKey is the lock key for one series' position book.
func SeriesKey(seriesID string) string {
	return "series/" + seriesID
}
