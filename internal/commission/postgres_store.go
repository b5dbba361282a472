package commission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/atelier/internal/pagination"
)

// PostgresStore persists contracts and their tickets, uploads, resolution
// tickets and settlements in PostgreSQL. Each row keeps the entity as a
// JSONB document next to the columns that queries and unique indexes need.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed commission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// pgRow is one entity prepared for writing.
type pgRow struct {
	table   string
	id      string
	version *int64
	doc     interface{}
	created time.Time
	updated time.Time
	cols    []string
	vals    []interface{}
}

func contractRow(c *Contract) pgRow {
	return pgRow{"commission_contracts", c.ID, &c.Version, c, c.CreatedAt, c.UpdatedAt,
		[]string{"client_id", "artist_id", "status", "grace_period_end"},
		[]interface{}{c.ClientID, c.ArtistID, string(c.Status), c.GracePeriodEnd}}
}

func cancelRow(t *CancelTicket) pgRow {
	return pgRow{"cancel_tickets", t.ID, &t.Version, t, t.CreatedAt, t.UpdatedAt,
		[]string{"contract_id", "status", "expires_at", "is_open"},
		[]interface{}{t.ContractID, string(t.Status), t.ExpiresAt, t.IsOpen()}}
}

func revisionRow(t *RevisionTicket) pgRow {
	return pgRow{"revision_tickets", t.ID, &t.Version, t, t.CreatedAt, t.UpdatedAt,
		[]string{"contract_id", "status", "expires_at", "is_open"},
		[]interface{}{t.ContractID, string(t.Status), t.ExpiresAt, t.IsOpen()}}
}

func changeRow(t *ChangeTicket) pgRow {
	return pgRow{"change_tickets", t.ID, &t.Version, t, t.CreatedAt, t.UpdatedAt,
		[]string{"contract_id", "status", "expires_at", "is_open"},
		[]interface{}{t.ContractID, string(t.Status), t.ExpiresAt, t.IsOpen()}}
}

func uploadRow(u *Upload) pgRow {
	var expires sql.NullTime
	if u.ExpiresAt != nil {
		expires = sql.NullTime{Time: *u.ExpiresAt, Valid: true}
	}
	return pgRow{"uploads", u.ID, &u.Version, u, u.CreatedAt, u.UpdatedAt,
		[]string{"contract_id", "kind", "link_key", "status", "expires_at", "is_open"},
		[]interface{}{u.ContractID, string(u.Kind), u.linkKey(), string(u.Status), expires, u.IsOpen()}}
}

func resolutionRow(r *ResolutionTicket) pgRow {
	return pgRow{"resolution_tickets", r.ID, &r.Version, r, r.CreatedAt, r.UpdatedAt,
		[]string{"contract_id", "target_kind", "target_id", "status", "counter_expires_at", "is_open"},
		[]interface{}{r.ContractID, string(r.Target.Kind), r.Target.ID, string(r.Status), r.CounterExpiresAt, r.IsOpen()}}
}

func settlementRow(st *Settlement) pgRow {
	return pgRow{"settlements", st.ID, &st.Version, st, st.CreatedAt, st.UpdatedAt,
		[]string{"contract_id", "status"},
		[]interface{}{st.ContractID, string(st.Status)}}
}

func (p *PostgresStore) Apply(ctx context.Context, m *Mutation) error {
	if m == nil || m.empty() {
		return nil
	}
	var rows []pgRow
	if m.Contract != nil {
		rows = append(rows, contractRow(m.Contract))
	}
	for _, t := range m.Cancels {
		rows = append(rows, cancelRow(t))
	}
	for _, t := range m.Revisions {
		rows = append(rows, revisionRow(t))
	}
	for _, t := range m.Changes {
		rows = append(rows, changeRow(t))
	}
	for _, u := range m.Uploads {
		rows = append(rows, uploadRow(u))
	}
	for _, r := range m.Resolutions {
		rows = append(rows, resolutionRow(r))
	}
	for _, st := range m.Settlements {
		rows = append(rows, settlementRow(st))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Rows that release a unique slot go first so a row taking it in the
	// same mutation does not trip the partial index.
	for _, pass := range []bool{false, true} {
		for _, r := range rows {
			if open := isOpenRow(r); open != pass {
				continue
			}
			if err := writeRow(ctx, tx, r); err != nil {
				return mapPQError(err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return mapPQError(err)
	}
	for _, r := range rows {
		*r.version++
	}
	return nil
}

func isOpenRow(r pgRow) bool {
	for i, col := range r.cols {
		if col == "is_open" {
			open, _ := r.vals[i].(bool)
			return open
		}
	}
	return false
}

func writeRow(ctx context.Context, tx *sql.Tx, r pgRow) error {
	doc, err := json.Marshal(r.doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", r.table, r.id, err)
	}

	// Column names come from the fixed row builders above, not from input.
	if *r.version == 0 {
		cols := append([]string{"id", "data", "created_at", "updated_at"}, r.cols...)
		args := append([]interface{}{r.id, doc, r.created, r.updated}, r.vals...)
		marks := make([]string, len(cols))
		for i := range cols {
			marks[i] = fmt.Sprintf("$%d", i+1)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s, version) VALUES (%s, 1)",
			r.table, strings.Join(cols, ", "), strings.Join(marks, ", ")), args...)
		return err
	}

	sets := []string{"version = version + 1", "data = $3", "updated_at = $4"}
	args := []interface{}{r.id, *r.version, doc, r.updated}
	for i, col := range r.cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+5))
		args = append(args, r.vals[i])
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $1 AND version = $2",
		r.table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s changed concurrently", ErrConflict, r.table, r.id)
	}
	return nil
}

// mapPQError turns unique violations into ErrConflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

// --- reads ---

func queryDocs[T record[T]](ctx context.Context, db *sql.DB, alloc func() T, query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []T
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		v := alloc()
		if err := json.Unmarshal(doc, v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		*v.ver() = version
		result = append(result, v)
	}
	return result, rows.Err()
}

func getDoc[T record[T]](ctx context.Context, db *sql.DB, alloc func() T, table, id string) (T, error) {
	items, err := queryDocs(ctx, db, alloc,
		fmt.Sprintf("SELECT data, version FROM %s WHERE id = $1", table), id)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(items) == 0 {
		var zero T
		return zero, ErrNotFound
	}
	return items[0], nil
}

func newContract() *Contract           { return &Contract{} }
func newCancel() *CancelTicket         { return &CancelTicket{} }
func newRevision() *RevisionTicket     { return &RevisionTicket{} }
func newChange() *ChangeTicket         { return &ChangeTicket{} }
func newUpload() *Upload               { return &Upload{} }
func newResolution() *ResolutionTicket { return &ResolutionTicket{} }
func newSettlement() *Settlement       { return &Settlement{} }

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	return getDoc(ctx, p.db, newContract, "commission_contracts", id)
}

func (p *PostgresStore) ListContractsByParty(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	return queryDocs(ctx, p.db, newContract, `
		SELECT data, version FROM commission_contracts
		WHERE client_id = $1 OR artist_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListContractsPastGrace(ctx context.Context, before time.Time, limit int) ([]*Contract, error) {
	return queryDocs(ctx, p.db, newContract, `
		SELECT data, version FROM commission_contracts
		WHERE status = 'active' AND grace_period_end < $1
		ORDER BY created_at, id
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) GetCancelTicket(ctx context.Context, id string) (*CancelTicket, error) {
	return getDoc(ctx, p.db, newCancel, "cancel_tickets", id)
}

func (p *PostgresStore) GetRevisionTicket(ctx context.Context, id string) (*RevisionTicket, error) {
	return getDoc(ctx, p.db, newRevision, "revision_tickets", id)
}

func (p *PostgresStore) GetChangeTicket(ctx context.Context, id string) (*ChangeTicket, error) {
	return getDoc(ctx, p.db, newChange, "change_tickets", id)
}

const byContract = `
	SELECT data, version FROM %s
	WHERE contract_id = $1
	ORDER BY created_at, id`

func (p *PostgresStore) ListTickets(ctx context.Context, contractID string) (*TicketSet, error) {
	set := &TicketSet{}
	var err error
	if set.Cancel, err = queryDocs(ctx, p.db, newCancel, fmt.Sprintf(byContract, "cancel_tickets"), contractID); err != nil {
		return nil, err
	}
	if set.Revision, err = queryDocs(ctx, p.db, newRevision, fmt.Sprintf(byContract, "revision_tickets"), contractID); err != nil {
		return nil, err
	}
	if set.Change, err = queryDocs(ctx, p.db, newChange, fmt.Sprintf(byContract, "change_tickets"), contractID); err != nil {
		return nil, err
	}
	return set, nil
}

const pendingBefore = `
	SELECT data, version FROM %s
	WHERE status = $1 AND expires_at < $2
	ORDER BY created_at, id
	LIMIT $3`

func (p *PostgresStore) ListExpiredTickets(ctx context.Context, before time.Time, limit int) (*TicketSet, error) {
	set := &TicketSet{}
	var err error
	if set.Cancel, err = queryDocs(ctx, p.db, newCancel, fmt.Sprintf(pendingBefore, "cancel_tickets"),
		string(CancelPending), before, limit); err != nil {
		return nil, err
	}
	if set.Revision, err = queryDocs(ctx, p.db, newRevision, fmt.Sprintf(pendingBefore, "revision_tickets"),
		string(RevisionPending), before, limit); err != nil {
		return nil, err
	}
	if set.Change, err = queryDocs(ctx, p.db, newChange, fmt.Sprintf(pendingBefore, "change_tickets"),
		string(ChangePendingArtist), before, limit); err != nil {
		return nil, err
	}
	return set, nil
}

func (p *PostgresStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	return getDoc(ctx, p.db, newUpload, "uploads", id)
}

func (p *PostgresStore) ListUploads(ctx context.Context, contractID string) ([]*Upload, error) {
	return queryDocs(ctx, p.db, newUpload, fmt.Sprintf(byContract, "uploads"), contractID)
}

func (p *PostgresStore) ListExpiredUploads(ctx context.Context, before time.Time, limit int) ([]*Upload, error) {
	return queryDocs(ctx, p.db, newUpload, `
		SELECT data, version FROM uploads
		WHERE is_open AND expires_at < $1
		ORDER BY created_at, id
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) GetResolution(ctx context.Context, id string) (*ResolutionTicket, error) {
	return getDoc(ctx, p.db, newResolution, "resolution_tickets", id)
}

func (p *PostgresStore) ListResolutions(ctx context.Context, contractID string) ([]*ResolutionTicket, error) {
	return queryDocs(ctx, p.db, newResolution, fmt.Sprintf(byContract, "resolution_tickets"), contractID)
}

func (p *PostgresStore) ListLapsedResolutions(ctx context.Context, before time.Time, limit int) ([]*ResolutionTicket, error) {
	return queryDocs(ctx, p.db, newResolution, `
		SELECT data, version FROM resolution_tickets
		WHERE status = $1 AND counter_expires_at < $2
		ORDER BY created_at, id
		LIMIT $3`, string(ResolutionOpen), before, limit)
}

func (p *PostgresStore) ListResolutionsByStatus(ctx context.Context, status ResolutionStatus, cursor *pagination.Cursor, limit int) ([]*ResolutionTicket, error) {
	if cursor == nil {
		return queryDocs(ctx, p.db, newResolution, `
			SELECT data, version FROM resolution_tickets
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2`, string(status), limit)
	}
	return queryDocs(ctx, p.db, newResolution, `
		SELECT data, version FROM resolution_tickets
		WHERE status = $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, string(status), cursor.CreatedAt, cursor.ID, limit)
}

func (p *PostgresStore) ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error) {
	return queryDocs(ctx, p.db, newSettlement, fmt.Sprintf(byContract, "settlements"), contractID)
}

func (p *PostgresStore) ListPendingSettlements(ctx context.Context, limit int) ([]*Settlement, error) {
	return queryDocs(ctx, p.db, newSettlement, `
		SELECT data, version FROM settlements
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(SettlementPending), limit)
}
