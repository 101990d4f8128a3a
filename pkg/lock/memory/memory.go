// Package memory provides an in-process lock.Manager for tests and the
// synchronous profile.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/cnabflow/pkg/lock"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// Manager is an in-memory lock manager. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]entry
}

// New creates an empty in-memory lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]entry)}
}

// Acquire takes the named lock if it is free or expired.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[name]; ok && time.Now().Before(e.expiresAt) {
		return nil, lock.ErrNotAcquired
	}

	token := uuid.New().String()
	m.locks[name] = entry{token: token, expiresAt: time.Now().Add(ttl)}
	return &lock.Lease{Name: name, Token: token, TTL: ttl}, nil
}

// Renew extends the lease if the caller still owns it.
func (m *Manager) Renew(ctx context.Context, lease *lock.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[lease.Name]
	if !ok || e.token != lease.Token || time.Now().After(e.expiresAt) {
		return lock.ErrLockLost
	}
	e.expiresAt = time.Now().Add(lease.TTL)
	m.locks[lease.Name] = e
	return nil
}

// Release frees the lease if the caller still owns it.
func (m *Manager) Release(ctx context.Context, lease *lock.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[lease.Name]
	if !ok || e.token != lease.Token {
		return lock.ErrLockLost
	}
	delete(m.locks, lease.Name)
	return nil
}
