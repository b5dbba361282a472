package auth

import (
	"context"
	"database/sql"
	"time"
)

// PostgresAdmins reads platform admins from the platform_admins table.
type PostgresAdmins struct {
	db *sql.DB
}

// NewPostgresAdmins creates a PostgreSQL-backed admin directory.
func NewPostgresAdmins(db *sql.DB) *PostgresAdmins {
	return &PostgresAdmins{db: db}
}

// IsAdmin reports whether userID holds an unrevoked admin grant.
func (p *PostgresAdmins) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM platform_admins
			WHERE user_id = $1 AND revoked_at IS NULL
		)`, userID).Scan(&exists)
	return exists, err
}

// Grant adds userID to the admin table. Re-granting a revoked admin restores it.
func (p *PostgresAdmins) Grant(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_admins (user_id, granted_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET revoked_at = NULL, granted_at = EXCLUDED.granted_at`,
		userID, time.Now())
	return err
}

// Revoke removes admin rights from userID.
func (p *PostgresAdmins) Revoke(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE platform_admins SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, time.Now())
	return err
}
