package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	accounts   map[string]*Account
	entries    map[string][]*Entry // contractID -> entries in insertion order
	references map[string]bool
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		entries:    make(map[string][]*Entry),
		references: make(map[string]bool),
	}
}

func (m *MemoryStore) Record(ctx context.Context, entry *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.references[entry.Reference] {
		return false, nil
	}

	acct, ok := m.accounts[entry.ContractID]
	if !ok {
		acct = &Account{ContractID: entry.ContractID, CreatedAt: entry.CreatedAt}
	}
	next := *acct
	if err := next.apply(entry.Kind, entry.Amount); err != nil {
		return false, err
	}
	next.UpdatedAt = entry.CreatedAt

	m.accounts[entry.ContractID] = &next
	cp := *entry
	m.entries[entry.ContractID] = append(m.entries[entry.ContractID], &cp)
	m.references[entry.Reference] = true
	return true, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, contractID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[contractID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, contractID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[contractID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	result := make([]*Entry, 0, len(all)-start)
	for _, e := range all[start:] {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
