// Package prefs holds per-tenant delivery preferences. The set of
// protected tenants is loaded once at startup and kept as an explicit
// in-memory map with write-through persistence, so the poll loop never
// touches the database to answer a preference question.
package prefs

import (
	"context"
	"fmt"
	"sync"
)

// Store is the persistence the preference map writes through to.
type Store interface {
	ProtectedTenants(ctx context.Context) (map[string]bool, error)
	SetProtected(ctx context.Context, tenantID string, protected bool) error
}

// Prefs answers per-tenant preference questions.
type Prefs struct {
	store Store

	mu        sync.RWMutex
	protected map[string]bool
}

// Load reads the persisted preferences into memory.
func Load(ctx context.Context, store Store) (*Prefs, error) {
	protected, err := store.ProtectedTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tenant preferences: %w", err)
	}
	if protected == nil {
		protected = make(map[string]bool)
	}
	return &Prefs{store: store, protected: protected}, nil
}

// Protected reports whether the tenant's digests must be sent with
// forwarding protection. Unknown tenants default to unprotected.
func (p *Prefs) Protected(tenantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.protected[tenantID]
}

// Toggle flips the tenant's protection flag, persists it, and returns
// the new value. The in-memory map only changes once the write lands.
func (p *Prefs) Toggle(ctx context.Context, tenantID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := !p.protected[tenantID]
	if err := p.store.SetProtected(ctx, tenantID, next); err != nil {
		return p.protected[tenantID], fmt.Errorf("persisting protection for %s: %w", tenantID, err)
	}
	p.protected[tenantID] = next
	return next, nil
}
