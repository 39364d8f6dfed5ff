package source

import (
	"strings"
	"sync"
)

// MutableRegistry is a Registry whose enablement can change at runtime,
// typically flipped by the activation authority.
type MutableRegistry struct {
	mu    sync.RWMutex
	items []Source
}

// NewMutableRegistry creates a registry over the given sources.
func NewMutableRegistry(items []Source) *MutableRegistry {
	return &MutableRegistry{items: append([]Source(nil), items...)}
}

// Sources implements Registry with a snapshot copy.
func (r *MutableRegistry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.items...)
}

// Enable marks a source as enabled. Returns false for unknown slugs.
func (r *MutableRegistry) Enable(slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if strings.EqualFold(r.items[i].Slug, slug) {
			r.items[i].Enabled = true
			r.items[i].ConnectionStatus = "connected"
			return true
		}
	}
	return false
}

// SetStatus updates a source's connection status.
func (r *MutableRegistry) SetStatus(slug, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if strings.EqualFold(r.items[i].Slug, slug) {
			r.items[i].ConnectionStatus = status
			return true
		}
	}
	return false
}
