// Package confirm holds time-bounded pending confirmations for destructive
// actions (kill, restart). A destructive command is executed only after a
// second tap arrives inside the TTL.
package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pending is one outstanding confirmation request.
type Pending struct {
	UserID    int64
	Action    string
	SessionID string
	CreatedAt time.Time
	TTL       time.Duration
}

func (p Pending) expiredAt(now time.Time) bool {
	return now.Sub(p.CreatedAt) > p.TTL
}

// Manager owns the pending-confirmation map. All access is serialized
// internally; no caller ever sees the map itself.
type Manager struct {
	mu      sync.Mutex
	pending map[string]Pending
	ttl     time.Duration
	now     func() time.Time
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		pending: make(map[string]Pending),
		ttl:     ttl,
		now:     time.Now,
	}
}

func key(userID int64, action, sessionID string) string {
	return fmt.Sprintf("%d:%s:%s", userID, action, sessionID)
}

// Request registers a pending confirmation, replacing any existing entry
// with the same (user, action, session) key.
func (m *Manager) Request(userID int64, action, sessionID string) Pending {
	p := Pending{
		UserID:    userID,
		Action:    action,
		SessionID: sessionID,
		CreatedAt: m.now(),
		TTL:       m.ttl,
	}
	m.mu.Lock()
	m.pending[key(userID, action, sessionID)] = p
	m.mu.Unlock()
	return p
}

// Confirm consumes a pending confirmation. Returns false when no entry
// exists or the entry outlived its TTL; either way the entry is removed,
// so a second Confirm for the same key always fails.
func (m *Manager) Confirm(userID int64, action, sessionID string) bool {
	k := key(userID, action, sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[k]
	if !ok {
		return false
	}
	delete(m.pending, k)
	return !p.expiredAt(m.now())
}

// Cancel removes a pending confirmation without executing anything.
func (m *Manager) Cancel(userID int64, action, sessionID string) bool {
	k := key(userID, action, sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[k]; !ok {
		return false
	}
	delete(m.pending, k)
	return true
}

// SweepExpired removes and returns all entries past their TTL.
func (m *Manager) SweepExpired() []Pending {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []Pending
	for k, p := range m.pending {
		if p.expiredAt(now) {
			expired = append(expired, p)
			delete(m.pending, k)
		}
	}
	return expired
}

// RunSweeper periodically sweeps expired entries until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
