package commission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/atelier/internal/pagination"
)

// MemoryStore is an in-memory commission store for development and tests.
type MemoryStore struct {
	contracts   map[string]*Contract
	cancels     map[string]*CancelTicket
	revisions   map[string]*RevisionTicket
	changes     map[string]*ChangeTicket
	uploads     map[string]*Upload
	resolutions map[string]*ResolutionTicket
	settlements map[string]*Settlement
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:   make(map[string]*Contract),
		cancels:     make(map[string]*CancelTicket),
		revisions:   make(map[string]*RevisionTicket),
		changes:     make(map[string]*ChangeTicket),
		uploads:     make(map[string]*Upload),
		resolutions: make(map[string]*ResolutionTicket),
		settlements: make(map[string]*Settlement),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, mut *Mutation) error {
	if mut == nil || mut.empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var contracts []*Contract
	if mut.Contract != nil {
		contracts = []*Contract{mut.Contract}
	}

	// Validate everything before writing anything.
	checks := []error{
		checkVersions(m.contracts, contracts),
		checkVersions(m.cancels, mut.Cancels),
		checkVersions(m.revisions, mut.Revisions),
		checkVersions(m.changes, mut.Changes),
		checkVersions(m.uploads, mut.Uploads),
		checkVersions(m.resolutions, mut.Resolutions),
		checkVersions(m.settlements, mut.Settlements),
		uniqueOpen(m.cancels, mut.Cancels, func(t *CancelTicket) (string, bool) {
			return t.ContractID, t.IsOpen()
		}),
		uniqueOpen(m.revisions, mut.Revisions, func(t *RevisionTicket) (string, bool) {
			return t.ContractID, t.IsOpen()
		}),
		uniqueOpen(m.changes, mut.Changes, func(t *ChangeTicket) (string, bool) {
			return t.ContractID, t.IsOpen()
		}),
		uniqueOpen(m.uploads, mut.Uploads, func(u *Upload) (string, bool) {
			return u.ContractID + "|" + string(u.Kind) + "|" + u.linkKey(), u.IsOpen()
		}),
		uniqueOpen(m.resolutions, mut.Resolutions, func(r *ResolutionTicket) (string, bool) {
			return r.Target.String(), r.IsOpen()
		}),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	writeAll(m.contracts, contracts)
	writeAll(m.cancels, mut.Cancels)
	writeAll(m.revisions, mut.Revisions)
	writeAll(m.changes, mut.Changes)
	writeAll(m.uploads, mut.Uploads)
	writeAll(m.resolutions, mut.Resolutions)
	writeAll(m.settlements, mut.Settlements)
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	return get(&m.mu, m.contracts, id)
}

func (m *MemoryStore) ListContractsByParty(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	result := list(&m.mu, m.contracts, func(c *Contract) bool {
		return c.ClientID == userID || c.ArtistID == userID
	})
	// Newest first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListContractsPastGrace(ctx context.Context, before time.Time, limit int) ([]*Contract, error) {
	result := list(&m.mu, m.contracts, func(c *Contract) bool {
		return c.IsActive() && c.GracePeriodEnd.Before(before)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) GetCancelTicket(ctx context.Context, id string) (*CancelTicket, error) {
	return get(&m.mu, m.cancels, id)
}

func (m *MemoryStore) GetRevisionTicket(ctx context.Context, id string) (*RevisionTicket, error) {
	return get(&m.mu, m.revisions, id)
}

func (m *MemoryStore) GetChangeTicket(ctx context.Context, id string) (*ChangeTicket, error) {
	return get(&m.mu, m.changes, id)
}

func (m *MemoryStore) ListTickets(ctx context.Context, contractID string) (*TicketSet, error) {
	return &TicketSet{
		Cancel: list(&m.mu, m.cancels, func(t *CancelTicket) bool { return t.ContractID == contractID }),
		Revision: list(&m.mu, m.revisions, func(t *RevisionTicket) bool {
			return t.ContractID == contractID
		}),
		Change: list(&m.mu, m.changes, func(t *ChangeTicket) bool { return t.ContractID == contractID }),
	}, nil
}

func (m *MemoryStore) ListExpiredTickets(ctx context.Context, before time.Time, limit int) (*TicketSet, error) {
	return &TicketSet{
		Cancel: truncate(list(&m.mu, m.cancels, func(t *CancelTicket) bool {
			return t.Status == CancelPending && t.ExpiresAt.Before(before)
		}), limit),
		Revision: truncate(list(&m.mu, m.revisions, func(t *RevisionTicket) bool {
			return t.Status == RevisionPending && t.ExpiresAt.Before(before)
		}), limit),
		Change: truncate(list(&m.mu, m.changes, func(t *ChangeTicket) bool {
			return t.Status == ChangePendingArtist && t.ExpiresAt.Before(before)
		}), limit),
	}, nil
}

func (m *MemoryStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	return get(&m.mu, m.uploads, id)
}

func (m *MemoryStore) ListUploads(ctx context.Context, contractID string) ([]*Upload, error) {
	return list(&m.mu, m.uploads, func(u *Upload) bool { return u.ContractID == contractID }), nil
}

func (m *MemoryStore) ListExpiredUploads(ctx context.Context, before time.Time, limit int) ([]*Upload, error) {
	result := list(&m.mu, m.uploads, func(u *Upload) bool {
		return u.IsOpen() && u.ExpiresAt != nil && u.ExpiresAt.Before(before)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) GetResolution(ctx context.Context, id string) (*ResolutionTicket, error) {
	return get(&m.mu, m.resolutions, id)
}

func (m *MemoryStore) ListResolutions(ctx context.Context, contractID string) ([]*ResolutionTicket, error) {
	return list(&m.mu, m.resolutions, func(r *ResolutionTicket) bool { return r.ContractID == contractID }), nil
}

func (m *MemoryStore) ListLapsedResolutions(ctx context.Context, before time.Time, limit int) ([]*ResolutionTicket, error) {
	result := list(&m.mu, m.resolutions, func(r *ResolutionTicket) bool {
		return r.Status == ResolutionOpen && r.CounterExpiresAt.Before(before)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListResolutionsByStatus(ctx context.Context, status ResolutionStatus, cursor *pagination.Cursor, limit int) ([]*ResolutionTicket, error) {
	result := list(&m.mu, m.resolutions, func(r *ResolutionTicket) bool {
		return r.Status == status && cursor.After(r.CreatedAt, r.ID)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error) {
	return list(&m.mu, m.settlements, func(st *Settlement) bool { return st.ContractID == contractID }), nil
}

func (m *MemoryStore) ListPendingSettlements(ctx context.Context, limit int) ([]*Settlement, error) {
	result := list(&m.mu, m.settlements, func(st *Settlement) bool { return st.Status == SettlementPending })
	return truncate(result, limit), nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// record is implemented by every stored entity.
type record[T any] interface {
	key() string
	ver() *int64
	created() time.Time
	clone() T
}

func get[T record[T]](mu *sync.RWMutex, rows map[string]T, id string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()

	v, ok := rows[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v.clone(), nil
}

// list returns clones of matching rows ordered by creation time, then id.
func list[T record[T]](mu *sync.RWMutex, rows map[string]T, match func(T) bool) []T {
	mu.RLock()
	defer mu.RUnlock()

	var result []T
	for _, v := range rows {
		if match(v) {
			result = append(result, v.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ci, cj := result[i].created(), result[j].created()
		if ci.Equal(cj) {
			return result[i].key() < result[j].key()
		}
		return ci.Before(cj)
	})
	return result
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func checkVersions[T record[T]](rows map[string]T, incoming []T) error {
	seen := make(map[string]bool, len(incoming))
	for _, v := range incoming {
		if seen[v.key()] {
			return ErrConflict
		}
		seen[v.key()] = true

		cur, exists := rows[v.key()]
		switch want := *v.ver(); {
		case want == 0 && exists:
			return ErrConflict
		case want == 0:
		case !exists:
			return ErrNotFound
		case *cur.ver() != want:
			return ErrConflict
		}
	}
	return nil
}

// uniqueOpen rejects a write that would leave two open rows in one group.
func uniqueOpen[T record[T]](rows map[string]T, incoming []T, group func(T) (string, bool)) error {
	owner := make(map[string]string)
	replaced := make(map[string]bool, len(incoming))
	for _, v := range incoming {
		replaced[v.key()] = true
		g, open := group(v)
		if !open {
			continue
		}
		if id, dup := owner[g]; dup && id != v.key() {
			return ErrConflict
		}
		owner[g] = v.key()
	}
	if len(owner) == 0 {
		return nil
	}
	for id, v := range rows {
		if replaced[id] {
			continue
		}
		if g, open := group(v); open {
			if _, clash := owner[g]; clash {
				return ErrConflict
			}
		}
	}
	return nil
}

func writeAll[T record[T]](rows map[string]T, incoming []T) {
	for _, v := range incoming {
		*v.ver()++
		rows[v.key()] = v.clone()
	}
}

func (c *Contract) key() string        { return c.ID }
func (c *Contract) ver() *int64        { return &c.Version }
func (c *Contract) created() time.Time { return c.CreatedAt }

func (t *CancelTicket) key() string        { return t.ID }
func (t *CancelTicket) ver() *int64        { return &t.Version }
func (t *CancelTicket) created() time.Time { return t.CreatedAt }

func (t *RevisionTicket) key() string        { return t.ID }
func (t *RevisionTicket) ver() *int64        { return &t.Version }
func (t *RevisionTicket) created() time.Time { return t.CreatedAt }

func (t *ChangeTicket) key() string        { return t.ID }
func (t *ChangeTicket) ver() *int64        { return &t.Version }
func (t *ChangeTicket) created() time.Time { return t.CreatedAt }

func (u *Upload) key() string        { return u.ID }
func (u *Upload) ver() *int64        { return &u.Version }
func (u *Upload) created() time.Time { return u.CreatedAt }

func (r *ResolutionTicket) key() string        { return r.ID }
func (r *ResolutionTicket) ver() *int64        { return &r.Version }
func (r *ResolutionTicket) created() time.Time { return r.CreatedAt }

func (st *Settlement) key() string        { return st.ID }
func (st *Settlement) ver() *int64        { return &st.Version }
func (st *Settlement) created() time.Time { return st.CreatedAt }
