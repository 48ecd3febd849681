// Package sessionlock implements the Session Lock & Concurrency Control:
// a per-session serialization lock so only one agent-loop invocation
// per session runs at a time, plus per-user and global in-flight caps with
// TTL-based reaping of abandoned entries.
package sessionlock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default caps.
const (
	DefaultMaxPerUser = 6
	DefaultMaxGlobal  = 2000
	DefaultTTL        = 15 * time.Minute
)

// ErrPerUserCapExceeded/ErrGlobalCapExceeded are returned by Acquire when a
// cap would be violated; callers map these to HTTP 429/503.
var (
	ErrPerUserCapExceeded = fmt.Errorf("sessionlock: per-user in-flight cap exceeded")
	ErrGlobalCapExceeded  = fmt.Errorf("sessionlock: global in-flight cap exceeded")
	ErrSessionBusy        = fmt.Errorf("sessionlock: a message is already being processed for this session")
)

type entry struct {
	mu         sync.Mutex
	userID     string
	acquiredAt time.Time
	inUse      bool
}

// Manager tracks one mutex per session (serializing message processing for
// that session) plus per-user and global in-flight counts.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	perUser    map[string]int
	maxPerUser int
	maxGlobal  int
	ttl        time.Duration
}

// NewManager builds a Manager with the given caps; zero values fall back
// to the defaults above.
func NewManager(maxPerUser, maxGlobal int, ttl time.Duration) *Manager {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	if maxGlobal <= 0 {
		maxGlobal = DefaultMaxGlobal
	}
	if maxPerUser > maxGlobal {
		maxPerUser = maxGlobal
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions:   make(map[string]*entry),
		perUser:    make(map[string]int),
		maxPerUser: maxPerUser,
		maxGlobal:  maxGlobal,
		ttl:        ttl,
	}
}

// Release ends one Acquire'd processing turn.
type Release func()

// Acquire reserves an in-flight slot for sessionID (owned by userID),
// enforcing the per-user and global caps, then blocks on the session's own
// lock until no other goroutine is processing a message for that session.
// The returned Release must run in a finally-equivalent path — on success,
// failure, or cancellation — to free both the session lock and the cap
// accounting.
func (m *Manager) Acquire(ctx context.Context, sessionID, userID string) (Release, error) {
	e, err := m.reserve(sessionID, userID)
	if err != nil {
		return nil, err
	}

	lockCh := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(lockCh)
	}()

	select {
	case <-lockCh:
	case <-ctx.Done():
		m.unreserve(sessionID, userID)
		return nil, ctx.Err()
	}

	return m.markAcquired(e, sessionID, userID), nil
}

// TryAcquire is the non-blocking form of Acquire: when another message is
// already mid-processing for the session it fails immediately with
// ErrSessionBusy, which the API layer maps to HTTP 409.
func (m *Manager) TryAcquire(sessionID, userID string) (Release, error) {
	e, err := m.reserve(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !e.mu.TryLock() {
		m.unreserve(sessionID, userID)
		return nil, ErrSessionBusy
	}
	return m.markAcquired(e, sessionID, userID), nil
}

func (m *Manager) markAcquired(e *entry, sessionID, userID string) Release {
	m.mu.Lock()
	e.acquiredAt = time.Now()
	e.inUse = true
	m.mu.Unlock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.mu.Lock()
		e.inUse = false
		m.mu.Unlock()
		e.mu.Unlock()
		m.unreserve(sessionID, userID)
	}
}

func (m *Manager) reserve(sessionID, userID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		if m.perUser[userID] >= m.maxPerUser {
			return nil, ErrPerUserCapExceeded
		}
		if len(m.sessions) >= m.maxGlobal {
			return nil, ErrGlobalCapExceeded
		}
		m.sessions[sessionID] = &entry{userID: userID}
		m.perUser[userID]++
	}
	return m.sessions[sessionID], nil
}

func (m *Manager) unreserve(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok && !e.inUse {
		delete(m.sessions, sessionID)
		if m.perUser[userID] > 0 {
			m.perUser[userID]--
			if m.perUser[userID] == 0 {
				delete(m.perUser, userID)
			}
		}
	}
}

// ReapStale removes in-flight entries older than the configured TTL,
// guarding against a crashed goroutine that never called Release.
func (m *Manager) ReapStale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []string
	for sessionID, e := range m.sessions {
		if e.inUse && now.Sub(e.acquiredAt) > m.ttl {
			reaped = append(reaped, sessionID)
			delete(m.sessions, sessionID)
			if m.perUser[e.userID] > 0 {
				m.perUser[e.userID]--
				if m.perUser[e.userID] == 0 {
					delete(m.perUser, e.userID)
				}
			}
			e.mu.Unlock()
		}
	}
	return reaped
}

// InFlightCount returns the number of sessions currently reserved (whether
// or not their lock has actually been acquired yet).
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
