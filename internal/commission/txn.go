package commission

import (
	"context"
	"time"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/notify"
)

// txn is the unit of work of one transition. Entities are loaded through it
// so that repeated lookups see staged changes, and everything marked dirty
// is written by a single Store.Apply.
type txn struct {
	s      *Service
	ctx    context.Context
	now    time.Time
	source string

	contract    *Contract
	cancels     staged[*CancelTicket]
	revisions   staged[*RevisionTicket]
	changes     staged[*ChangeTicket]
	uploads     staged[*Upload]
	resolutions staged[*ResolutionTicket]

	movements  []Movement
	events     []*notify.Event
	settlement *Settlement
}

func (s *Service) newTxn(ctx context.Context, c *Contract, source string) *txn {
	return &txn{
		s:           s,
		ctx:         ctx,
		now:         s.now(),
		source:      source,
		contract:    c,
		cancels:     newStaged[*CancelTicket](),
		revisions:   newStaged[*RevisionTicket](),
		changes:     newStaged[*ChangeTicket](),
		uploads:     newStaged[*Upload](),
		resolutions: newStaged[*ResolutionTicket](),
	}
}

// staged caches entities loaded by a txn and tracks which to write.
type staged[T record[T]] struct {
	rows  map[string]T
	order []string
	dirty map[string]bool
}

func newStaged[T record[T]]() staged[T] {
	return staged[T]{rows: make(map[string]T), dirty: make(map[string]bool)}
}

func (st *staged[T]) cached(id string) (T, bool) {
	v, ok := st.rows[id]
	return v, ok
}

func (st *staged[T]) keep(v T) {
	if _, ok := st.rows[v.key()]; !ok {
		st.rows[v.key()] = v
	}
}

// put stages v for writing.
func (st *staged[T]) put(v T) {
	st.rows[v.key()] = v
	if !st.dirty[v.key()] {
		st.dirty[v.key()] = true
		st.order = append(st.order, v.key())
	}
}

func (st *staged[T]) written() []T {
	out := make([]T, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.rows[id])
	}
	return out
}

// merge replaces loaded rows with their staged versions and appends staged
// rows the store has not seen yet.
func (st *staged[T]) merge(loaded []T) []T {
	seen := make(map[string]bool, len(loaded))
	out := make([]T, 0, len(loaded))
	for _, v := range loaded {
		seen[v.key()] = true
		if cur, ok := st.rows[v.key()]; ok {
			out = append(out, cur)
			continue
		}
		st.rows[v.key()] = v
		out = append(out, v)
	}
	for _, id := range st.order {
		if !seen[id] {
			out = append(out, st.rows[id])
		}
	}
	return out
}

func (tx *txn) cancelTicket(id string) (*CancelTicket, error) {
	if t, ok := tx.cancels.cached(id); ok {
		return t, nil
	}
	t, err := tx.s.store.GetCancelTicket(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ContractID != tx.contract.ID {
		return nil, ErrNotFound
	}
	tx.cancels.keep(t)
	return t, nil
}

func (tx *txn) revisionTicket(id string) (*RevisionTicket, error) {
	if t, ok := tx.revisions.cached(id); ok {
		return t, nil
	}
	t, err := tx.s.store.GetRevisionTicket(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ContractID != tx.contract.ID {
		return nil, ErrNotFound
	}
	tx.revisions.keep(t)
	return t, nil
}

func (tx *txn) changeTicket(id string) (*ChangeTicket, error) {
	if t, ok := tx.changes.cached(id); ok {
		return t, nil
	}
	t, err := tx.s.store.GetChangeTicket(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ContractID != tx.contract.ID {
		return nil, ErrNotFound
	}
	tx.changes.keep(t)
	return t, nil
}

func (tx *txn) upload(id string) (*Upload, error) {
	if u, ok := tx.uploads.cached(id); ok {
		return u, nil
	}
	u, err := tx.s.store.GetUpload(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	if u.ContractID != tx.contract.ID {
		return nil, ErrNotFound
	}
	tx.uploads.keep(u)
	return u, nil
}

func (tx *txn) resolution(id string) (*ResolutionTicket, error) {
	if r, ok := tx.resolutions.cached(id); ok {
		return r, nil
	}
	r, err := tx.s.store.GetResolution(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ContractID != tx.contract.ID {
		return nil, ErrNotFound
	}
	tx.resolutions.keep(r)
	return r, nil
}

// tickets returns every ticket of the contract as seen by this txn.
func (tx *txn) tickets() (*TicketSet, error) {
	set, err := tx.s.store.ListTickets(tx.ctx, tx.contract.ID)
	if err != nil {
		return nil, err
	}
	set.Cancel = tx.cancels.merge(set.Cancel)
	set.Revision = tx.revisions.merge(set.Revision)
	set.Change = tx.changes.merge(set.Change)
	return set, nil
}

// contractUploads returns every upload of the contract as seen by this txn.
func (tx *txn) contractUploads() ([]*Upload, error) {
	uploads, err := tx.s.store.ListUploads(tx.ctx, tx.contract.ID)
	if err != nil {
		return nil, err
	}
	return tx.uploads.merge(uploads), nil
}

// contractResolutions returns every resolution ticket of the contract as
// seen by this txn.
func (tx *txn) contractResolutions() ([]*ResolutionTicket, error) {
	rs, err := tx.s.store.ListResolutions(tx.ctx, tx.contract.ID)
	if err != nil {
		return nil, err
	}
	return tx.resolutions.merge(rs), nil
}

// move queues a fund movement; non-positive amounts are dropped.
func (tx *txn) move(kind MovementKind, amount money.Cents) {
	if amount <= 0 {
		return
	}
	tx.movements = append(tx.movements, Movement{Kind: kind, Amount: amount})
}

// emit queues an event for both parties, delivered after commit.
func (tx *txn) emit(typ notify.EventType, subjectID string, kv ...interface{}) {
	c := tx.contract
	e := notify.NewEvent(typ, c.ID, subjectID, tx.now, c.ClientID, c.ArtistID)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e.With(k, kv[i+1])
		}
	}
	tx.events = append(tx.events, e)
}

func (tx *txn) commit() error {
	c := tx.contract
	c.UpdatedAt = tx.now

	m := &Mutation{
		Contract:    c,
		Cancels:     tx.cancels.written(),
		Revisions:   tx.revisions.written(),
		Changes:     tx.changes.written(),
		Uploads:     tx.uploads.written(),
		Resolutions: tx.resolutions.written(),
	}
	var st *Settlement
	if len(tx.movements) > 0 {
		st = &Settlement{
			ID:         idgen.WithPrefix("st_"),
			ContractID: c.ID,
			Source:     tx.source,
			Movements:  tx.movements,
			Status:     SettlementPending,
			CreatedAt:  tx.now,
			UpdatedAt:  tx.now,
		}
		m.Settlements = []*Settlement{st}
	}
	if err := tx.s.store.Apply(tx.ctx, m); err != nil {
		return err
	}
	tx.settlement = st
	return nil
}
