package auth

import (
	"context"
	"strings"
	"sync"
)

// MemoryAdmins is a fixed admin list loaded from configuration.
type MemoryAdmins struct {
	mu  sync.RWMutex
	ids map[string]bool
}

// NewMemoryAdmins creates an admin directory containing ids.
func NewMemoryAdmins(ids ...string) *MemoryAdmins {
	m := &MemoryAdmins{ids: make(map[string]bool)}
	for _, id := range ids {
		m.Add(id)
	}
	return m
}

// Add grants admin rights to id.
func (m *MemoryAdmins) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	m.mu.Lock()
	m.ids[id] = true
	m.mu.Unlock()
}

// IsAdmin reports whether userID is a platform admin.
func (m *MemoryAdmins) IsAdmin(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids[userID], nil
}
