package flow

import "sync"

// sessionLocks provides per-session mutual exclusion so at most one turn is
// in flight per session while distinct sessions proceed concurrently. Locks
// are created on first use and dropped when their session is released.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the lock for a session, creating it on first use.
func (l *sessionLocks) get(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// release drops the lock entry for a finished session. Callers must not hold
// the session lock when releasing it.
func (l *sessionLocks) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, sessionID)
}
