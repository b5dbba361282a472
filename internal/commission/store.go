package commission

import (
	"context"
	"time"

	"github.com/mbd888/atelier/internal/pagination"
)

// Mutation is a set of writes applied atomically. Each entity with
// Version 0 is inserted; any other is updated only if its stored version
// still equals Version, otherwise the whole mutation fails with ErrConflict.
// On success every written entity's Version is advanced in place.
//
// The store also enforces the uniqueness rules: one open ticket per kind per
// contract, one submitted review-bearing upload per link, and one open
// resolution ticket per target. A violation fails with ErrConflict.
type Mutation struct {
	Contract    *Contract
	Cancels     []*CancelTicket
	Revisions   []*RevisionTicket
	Changes     []*ChangeTicket
	Uploads     []*Upload
	Resolutions []*ResolutionTicket
	Settlements []*Settlement
}

func (m *Mutation) empty() bool {
	return m.Contract == nil && len(m.Cancels) == 0 && len(m.Revisions) == 0 &&
		len(m.Changes) == 0 && len(m.Uploads) == 0 && len(m.Resolutions) == 0 &&
		len(m.Settlements) == 0
}

// Store persists contracts and everything attached to them.
type Store interface {
	Apply(ctx context.Context, m *Mutation) error

	GetContract(ctx context.Context, id string) (*Contract, error)
	ListContractsByParty(ctx context.Context, userID string, limit int) ([]*Contract, error)
	ListContractsPastGrace(ctx context.Context, before time.Time, limit int) ([]*Contract, error)

	GetCancelTicket(ctx context.Context, id string) (*CancelTicket, error)
	GetRevisionTicket(ctx context.Context, id string) (*RevisionTicket, error)
	GetChangeTicket(ctx context.Context, id string) (*ChangeTicket, error)
	ListTickets(ctx context.Context, contractID string) (*TicketSet, error)
	ListExpiredTickets(ctx context.Context, before time.Time, limit int) (*TicketSet, error)

	GetUpload(ctx context.Context, id string) (*Upload, error)
	ListUploads(ctx context.Context, contractID string) ([]*Upload, error)
	ListExpiredUploads(ctx context.Context, before time.Time, limit int) ([]*Upload, error)

	GetResolution(ctx context.Context, id string) (*ResolutionTicket, error)
	ListResolutions(ctx context.Context, contractID string) ([]*ResolutionTicket, error)
	ListLapsedResolutions(ctx context.Context, before time.Time, limit int) ([]*ResolutionTicket, error)
	// ListResolutionsByStatus pages oldest first, starting after cursor.
	ListResolutionsByStatus(ctx context.Context, status ResolutionStatus, cursor *pagination.Cursor, limit int) ([]*ResolutionTicket, error)

	ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error)
	ListPendingSettlements(ctx context.Context, limit int) ([]*Settlement, error)
}

// AdminDirectory answers whether a user is a platform admin.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}
