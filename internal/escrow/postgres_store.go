package escrow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/atelier/internal/money"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record inserts the entry and adjusts the account in one transaction.
// The unique index on reference makes replays a no-op.
func (p *PostgresStore) Record(ctx context.Context, e *Entry) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_entries (id, contract_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO NOTHING`,
		e.ID, e.ContractID, string(e.Kind), int64(e.Amount), e.Reference, e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	var stmt string
	switch e.Kind {
	case KindHold:
		stmt = `
			INSERT INTO escrow_accounts (contract_id, held, released, refunded, created_at, updated_at)
			VALUES ($1, $2, 0, 0, $3, $3)
			ON CONFLICT (contract_id) DO UPDATE
			SET held = escrow_accounts.held + EXCLUDED.held, updated_at = EXCLUDED.updated_at`
	case KindRelease:
		stmt = `
			UPDATE escrow_accounts SET held = held - $2, released = released + $2, updated_at = $3
			WHERE contract_id = $1 AND held >= $2`
	case KindRefund:
		stmt = `
			UPDATE escrow_accounts SET held = held - $2, refunded = refunded + $2, updated_at = $3
			WHERE contract_id = $1 AND held >= $2`
	case KindClawback:
		stmt = `
			UPDATE escrow_accounts SET released = released - $2, held = held + $2, updated_at = $3
			WHERE contract_id = $1 AND released >= $2`
	default:
		return false, fmt.Errorf("unknown movement kind %q", e.Kind)
	}

	res, err = tx.ExecContext(ctx, stmt, e.ContractID, int64(e.Amount), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrInsufficientFunds
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, contractID string) (*Account, error) {
	a := &Account{}
	var held, released, refunded int64
	err := p.db.QueryRowContext(ctx, `
		SELECT contract_id, held, released, refunded, created_at, updated_at
		FROM escrow_accounts WHERE contract_id = $1`, contractID,
	).Scan(&a.ContractID, &held, &released, &refunded, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Held, a.Released, a.Refunded = money.Cents(held), money.Cents(released), money.Cents(refunded)
	return a, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, contractID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, kind, amount, reference, created_at FROM (
			SELECT id, contract_id, kind, amount, reference, created_at
			FROM escrow_entries WHERE contract_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		var amount int64
		if err := rows.Scan(&e.ID, &e.ContractID, &kind, &amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Amount = money.Cents(amount)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
