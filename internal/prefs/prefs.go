// Package prefs exposes user preferences to the scheduling core. The
// authoritative preferences store lives with an external collaborator; this
// package defines the read contract and an in-memory implementation for
// tests and single-process deployments.
package prefs

import (
	"sync"

	"github.com/lumabot/cadence/internal/models"
)

// Provider resolves preferences for a user. Implementations must return
// models.DefaultPreferences for unknown users rather than an error so a
// missing preferences row never blocks a delivery decision.
type Provider interface {
	Get(userID string) (models.UserPreferences, error)
}

// InMemoryProvider is a mutable Provider backed by a map.
type InMemoryProvider struct {
	mu    sync.RWMutex
	users map[string]models.UserPreferences
}

var _ Provider = (*InMemoryProvider)(nil)

// NewInMemoryProvider creates an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{users: make(map[string]models.UserPreferences)}
}

func (p *InMemoryProvider) Get(userID string) (models.UserPreferences, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if u, ok := p.users[userID]; ok {
		return u, nil
	}
	return models.DefaultPreferences(userID), nil
}

// Set stores preferences for a user, replacing any previous value.
func (p *InMemoryProvider) Set(u models.UserPreferences) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.UserID] = u
}
