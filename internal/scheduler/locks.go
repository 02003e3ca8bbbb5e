package scheduler

import (
	"sync"
)

// MissionLocks serialises state changes per mission.
// Uses a keyed mutex pattern: each mission ID gets its own mutex, so passes for
// different missions run in parallel while passes for one mission never overlap.
// Entries are dropped once no goroutine holds or waits on them.
type MissionLocks struct {
	mu    sync.Mutex              // Guards the locks map itself
	locks map[string]*missionLock // Per-mission mutexes
}

type missionLock struct {
	mu   sync.Mutex
	refs int // Holders plus waiters
}

// NewMissionLocks creates a new MissionLocks.
func NewMissionLocks() *MissionLocks {
	return &MissionLocks{
		locks: make(map[string]*missionLock),
	}
}

// Lock acquires the mutex for missionID, creating it on first access.
func (m *MissionLocks) Lock(missionID string) {
	m.mu.Lock()
	l, exists := m.locks[missionID]
	if !exists {
		l = &missionLock{}
		m.locks[missionID] = l
	}
	l.refs++
	m.mu.Unlock()

	// Acquire the per-mission lock outside the manager lock
	l.mu.Lock()
}

// Unlock releases the mutex for missionID.
func (m *MissionLocks) Unlock(missionID string) {
	m.mu.Lock()
	l, exists := m.locks[missionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, missionID)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}

// Len returns the number of missions with a held or awaited lock.
func (m *MissionLocks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
