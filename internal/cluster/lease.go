// Package cluster keeps exactly one active router across a set of nodes by
// campaigning for a shared lease, and forwards requests to whichever node
// holds it.
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotLeader = errors.New("cluster: this node is not the leader")
	ErrNoLeader  = errors.New("cluster: no leader available")
)

// LeaseStore arbitrates a single named lease between holders
type LeaseStore interface {
	// Acquire takes the lease if it is free, expired or already held by holder
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	// Renew extends the lease only if holder still owns it
	Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	// Release gives up the lease if holder owns it
	Release(ctx context.Context, holder string) error
	// Holder returns the current owner, or "" when the lease is free
	Holder(ctx context.Context) (string, error)
}

// MemoryLeaseStore is a process-local LeaseStore
type MemoryLeaseStore struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	now     func() time.Time
}

// NewMemoryLeaseStore creates a free lease
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{now: time.Now}
}

func (m *MemoryLeaseStore) Acquire(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.holder != "" && m.holder != holder && m.expires.After(now) {
		return false, nil
	}
	m.holder = holder
	m.expires = now.Add(ttl)
	return true, nil
}

func (m *MemoryLeaseStore) Renew(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.holder != holder || !m.expires.After(now) {
		return false, nil
	}
	m.expires = now.Add(ttl)
	return true, nil
}

func (m *MemoryLeaseStore) Release(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == holder {
		m.holder = ""
		m.expires = time.Time{}
	}
	return nil
}

func (m *MemoryLeaseStore) Holder(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == "" || !m.expires.After(m.now()) {
		return "", nil
	}
	return m.holder, nil
}
