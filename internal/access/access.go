// Package access answers whether a caller may act within a scope.
package access

import (
	"context"
	"fmt"
	"sync"
)

// Checker is consulted once per tree operation.
type Checker interface {
	IsAuthorized(ctx context.Context, callerID, scopeID string) (bool, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, callerID, scopeID string) (bool, error)

func (f CheckerFunc) IsAuthorized(ctx context.Context, callerID, scopeID string) (bool, error) {
	return f(ctx, callerID, scopeID)
}

// AllowAll authorizes every caller with a non-empty id
type AllowAll struct{}

func (AllowAll) IsAuthorized(ctx context.Context, callerID, scopeID string) (bool, error) {
	return callerID != "", nil
}

// ParentScope resolves the scope that encloses scopeID, such as the workspace
// of a page. ok is false when scopeID has no enclosing scope.
type ParentScope func(ctx context.Context, scopeID string) (parent string, ok bool, err error)

// Members grants callers access to scopes. A caller granted a scope is also
// authorized for every scope nested inside it, as reported by the resolver.
type Members struct {
	mu       sync.RWMutex
	grants   map[string]map[string]bool // scope -> caller
	resolver ParentScope
}

// maxScopeDepth bounds the enclosing-scope walk
const maxScopeDepth = 16

// NewMembers creates an empty membership table. resolver may be nil.
func NewMembers(resolver ParentScope) *Members {
	return &Members{
		grants:   make(map[string]map[string]bool),
		resolver: resolver,
	}
}

// Grant gives callerID access to scopeID
func (m *Members) Grant(scopeID, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.grants[scopeID] == nil {
		m.grants[scopeID] = make(map[string]bool)
	}
	m.grants[scopeID][callerID] = true
}

// Revoke removes a grant
func (m *Members) Revoke(scopeID, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[scopeID], callerID)
}

func (m *Members) granted(scopeID, callerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[scopeID][callerID]
}

func (m *Members) IsAuthorized(ctx context.Context, callerID, scopeID string) (bool, error) {
	if callerID == "" {
		return false, nil
	}

	scope := scopeID
	for depth := 0; depth < maxScopeDepth; depth++ {
		if m.granted(scope, callerID) {
			return true, nil
		}
		if m.resolver == nil {
			return false, nil
		}
		parent, ok, err := m.resolver(ctx, scope)
		if err != nil {
			return false, fmt.Errorf("resolving scope %s: %w", scope, err)
		}
		if !ok || parent == scope {
			return false, nil
		}
		scope = parent
	}
	return false, nil
}
