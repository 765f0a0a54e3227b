// Package presence keeps the best-effort set of online users pushed by the
// server. It never asks for a snapshot.
package presence

import (
	"sort"
	"sync"
)

type Tracker struct {
	mu     sync.RWMutex
	online map[int]struct{}
}

func New() *Tracker {
	return &Tracker{online: make(map[int]struct{})}
}

// Online records a userOnline event. Repeats are idempotent. It reports
// whether the set changed.
func (t *Tracker) Online(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[userID]; ok {
		return false
	}
	t.online[userID] = struct{}{}
	return true
}

// Offline records a userOffline event and reports whether the set changed.
func (t *Tracker) Offline(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[userID]; !ok {
		return false
	}
	delete(t.online, userID)
	return true
}

func (t *Tracker) IsOnline(userID int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the online ids in ascending order.
func (t *Tracker) Snapshot() []int {
	t.mu.RLock()
	ids := make([]int, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Reset forgets everyone, used when the session disconnects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[int]struct{})
	t.mu.Unlock()
}
