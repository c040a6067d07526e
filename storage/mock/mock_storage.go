// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cmsbridge/mcp-broker/storage"
)

// MockStore is a mock implementation of storage.Store for testing.
// By default it behaves like an in-memory store; individual operations
// can be overridden through the Func fields to inject failures.
type MockStore struct {
	mu           sync.RWMutex
	grants       map[string]*storage.Grant
	registration *storage.ClientRegistration

	PutGrantFunc                func(ctx context.Context, grant *storage.Grant) error
	GetGrantFunc                func(ctx context.Context, subject string) (*storage.Grant, error)
	DeleteGrantFunc             func(ctx context.Context, subject string) error
	MarkGrantExpiredFunc        func(ctx context.Context, subject string) error
	PutRegistrationIfAbsentFunc func(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error)
	GetRegistrationFunc         func(ctx context.Context) (*storage.ClientRegistration, error)
	DeleteRegistrationFunc      func(ctx context.Context) error

	// CallCounts tracks how many times each operation was invoked
	CallCounts map[string]int
}

// Compile-time interface check
var _ storage.Store = (*MockStore)(nil)

// NewMockStore creates a new mock store with in-memory default behavior.
func NewMockStore() *MockStore {
	m := &MockStore{
		grants:     make(map[string]*storage.Grant),
		CallCounts: make(map[string]int),
	}

	m.PutGrantFunc = func(ctx context.Context, grant *storage.Grant) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.grants[grant.Subject] = grant.Clone()
		return nil
	}

	m.GetGrantFunc = func(ctx context.Context, subject string) (*storage.Grant, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		grant, ok := m.grants[subject]
		if !ok {
			return nil, storage.ErrGrantNotFound
		}
		return grant.Clone(), nil
	}

	m.DeleteGrantFunc = func(ctx context.Context, subject string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.grants, subject)
		return nil
	}

	m.MarkGrantExpiredFunc = func(ctx context.Context, subject string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		grant, ok := m.grants[subject]
		if !ok {
			return storage.ErrGrantNotFound
		}
		grant.RefreshToken = ""
		grant.State = storage.GrantExpired
		grant.ExpiredAt = time.Now()
		return nil
	}

	m.PutRegistrationIfAbsentFunc = func(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.registration != nil {
			return m.registration.Clone(), false, nil
		}
		m.registration = reg.Clone()
		return reg.Clone(), true, nil
	}

	m.GetRegistrationFunc = func(ctx context.Context) (*storage.ClientRegistration, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.registration == nil {
			return nil, storage.ErrRegistrationNotFound
		}
		return m.registration.Clone(), nil
	}

	m.DeleteRegistrationFunc = func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.registration = nil
		return nil
	}

	return m
}

func (m *MockStore) recordCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// PutGrant implements storage.GrantStore.
func (m *MockStore) PutGrant(ctx context.Context, grant *storage.Grant) error {
	m.recordCall("PutGrant")
	return m.PutGrantFunc(ctx, grant)
}

// GetGrant implements storage.GrantStore.
func (m *MockStore) GetGrant(ctx context.Context, subject string) (*storage.Grant, error) {
	m.recordCall("GetGrant")
	return m.GetGrantFunc(ctx, subject)
}

// DeleteGrant implements storage.GrantStore.
func (m *MockStore) DeleteGrant(ctx context.Context, subject string) error {
	m.recordCall("DeleteGrant")
	return m.DeleteGrantFunc(ctx, subject)
}

// MarkGrantExpired implements storage.GrantStore.
func (m *MockStore) MarkGrantExpired(ctx context.Context, subject string) error {
	m.recordCall("MarkGrantExpired")
	return m.MarkGrantExpiredFunc(ctx, subject)
}

// PutRegistrationIfAbsent implements storage.RegistrationStore.
func (m *MockStore) PutRegistrationIfAbsent(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error) {
	m.recordCall("PutRegistrationIfAbsent")
	return m.PutRegistrationIfAbsentFunc(ctx, reg)
}

// GetRegistration implements storage.RegistrationStore.
func (m *MockStore) GetRegistration(ctx context.Context) (*storage.ClientRegistration, error) {
	m.recordCall("GetRegistration")
	return m.GetRegistrationFunc(ctx)
}

// DeleteRegistration implements storage.RegistrationStore.
func (m *MockStore) DeleteRegistration(ctx context.Context) error {
	m.recordCall("DeleteRegistration")
	return m.DeleteRegistrationFunc(ctx)
}
