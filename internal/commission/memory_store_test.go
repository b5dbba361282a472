package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/atelier/internal/pagination"
)

func seedContract(t *testing.T, s Store, id string, created time.Time) *Contract {
	t.Helper()
	c := &Contract{
		ID:             id,
		ClientID:       clientID,
		ArtistID:       artistID,
		Flow:           FlowStandard,
		BasePrice:      1000,
		TotalAmount:    1000,
		Deadline:       created.Add(30 * day),
		GracePeriodEnd: created.Add(37 * day),
		Status:         ContractActive,
		TermsVersion:   1,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, s.Apply(context.Background(), &Mutation{Contract: c}))
	return c
}

func TestMemoryStore_VersionsAdvanceOnWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := seedContract(t, s, "ct_1", t0)
	assert.Equal(t, int64(1), c.Version)

	stale, err := s.GetContract(ctx, "ct_1")
	require.NoError(t, err)

	c.Description = "updated"
	require.NoError(t, s.Apply(ctx, &Mutation{Contract: c}))
	assert.Equal(t, int64(2), c.Version)

	stale.Description = "lost update"
	err = s.Apply(ctx, &Mutation{Contract: stale})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetContract(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
}

func TestMemoryStore_InsertTwiceConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)
	dup := &Contract{ID: "ct_1", CreatedAt: t0}
	assert.ErrorIs(t, s.Apply(context.Background(), &Mutation{Contract: dup}), ErrConflict)
}

func TestMemoryStore_UpdateMissingIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	ghost := &Contract{ID: "ct_ghost", Version: 3}
	assert.ErrorIs(t, s.Apply(context.Background(), &Mutation{Contract: ghost}), ErrNotFound)

	_, err := s.GetUpload(context.Background(), "up_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)

	got, err := s.GetContract(ctx, "ct_1")
	require.NoError(t, err)
	got.Status = ContractCompleted

	again, err := s.GetContract(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, ContractActive, again.Status)
}

func TestMemoryStore_OneOpenTicketPerContract(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)

	first := &CancelTicket{ID: "cx_1", ContractID: "ct_1", Status: CancelPending, CreatedAt: t0}
	require.NoError(t, s.Apply(ctx, &Mutation{Cancels: []*CancelTicket{first}}))

	second := &CancelTicket{ID: "cx_2", ContractID: "ct_1", Status: CancelPending, CreatedAt: t0}
	assert.ErrorIs(t, s.Apply(ctx, &Mutation{Cancels: []*CancelTicket{second}}), ErrConflict)

	// Releasing the slot and taking it in the same mutation is allowed.
	first.Status = CancelRejected
	require.NoError(t, s.Apply(ctx, &Mutation{Cancels: []*CancelTicket{first, second}}))

	set, err := s.ListTickets(ctx, "ct_1")
	require.NoError(t, err)
	assert.Len(t, set.Cancel, 2)
	assert.Equal(t, 2, set.Len())
}

func TestMemoryStore_OneOpenUploadPerLink(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)
	expires := t0.Add(day)

	final := func(id string) *Upload {
		return &Upload{ID: id, ContractID: "ct_1", Kind: UploadFinal, WorkProgress: 100,
			Status: UploadSubmitted, ExpiresAt: &expires, CreatedAt: t0}
	}
	require.NoError(t, s.Apply(ctx, &Mutation{Uploads: []*Upload{final("up_1")}}))
	assert.ErrorIs(t, s.Apply(ctx, &Mutation{Uploads: []*Upload{final("up_2")}}), ErrConflict)

	// Informational uploads never collide.
	wip := func(id string) *Upload {
		return &Upload{ID: id, ContractID: "ct_1", Kind: UploadProgressStandard, Status: UploadSubmitted, CreatedAt: t0}
	}
	require.NoError(t, s.Apply(ctx, &Mutation{Uploads: []*Upload{wip("up_3"), wip("up_4")}}))
}

func TestMemoryStore_OneOpenResolutionPerTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)
	target := Target{Kind: TargetFinalUpload, ID: "up_1"}

	r1 := &ResolutionTicket{ID: "rs_1", ContractID: "ct_1", Target: target, Status: ResolutionOpen, CreatedAt: t0}
	require.NoError(t, s.Apply(ctx, &Mutation{Resolutions: []*ResolutionTicket{r1}}))

	r2 := &ResolutionTicket{ID: "rs_2", ContractID: "ct_1", Target: target, Status: ResolutionOpen, CreatedAt: t0}
	assert.ErrorIs(t, s.Apply(ctx, &Mutation{Resolutions: []*ResolutionTicket{r2}}), ErrConflict)

	r2.Target.ID = "up_2"
	assert.NoError(t, s.Apply(ctx, &Mutation{Resolutions: []*ResolutionTicket{r2}}))
}

func TestMemoryStore_FailedMutationWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := seedContract(t, s, "ct_1", t0)

	c.Description = "should not persist"
	stale := &Upload{ID: "up_1", ContractID: "ct_1", Kind: UploadProgressStandard, Version: 5, CreatedAt: t0}
	err := s.Apply(ctx, &Mutation{Contract: c, Uploads: []*Upload{stale}})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetContract(ctx, "ct_1")
	require.NoError(t, err)
	assert.Empty(t, got.Description)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemoryStore_Listings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := seedContract(t, s, "ct_old", t0.Add(-60*day))
	recent := seedContract(t, s, "ct_new", t0)

	byParty, err := s.ListContractsByParty(ctx, artistID, 10)
	require.NoError(t, err)
	require.Len(t, byParty, 2)
	assert.Equal(t, recent.ID, byParty[0].ID)

	overdue, err := s.ListContractsPastGrace(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, old.ID, overdue[0].ID)

	expires := t0.Add(-time.Hour)
	pending := &RevisionTicket{ID: "rv_1", ContractID: recent.ID, Status: RevisionPending, ExpiresAt: expires, CreatedAt: t0}
	require.NoError(t, s.Apply(ctx, &Mutation{Revisions: []*RevisionTicket{pending}}))
	expired, err := s.ListExpiredTickets(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, expired.Revision, 1)
	assert.Empty(t, expired.Cancel)

	review := &Upload{ID: "up_1", ContractID: recent.ID, Kind: UploadFinal, WorkProgress: 100,
		Status: UploadSubmitted, ExpiresAt: &expires, CreatedAt: t0}
	require.NoError(t, s.Apply(ctx, &Mutation{Uploads: []*Upload{review}}))
	uploads, err := s.ListExpiredUploads(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, uploads, 1)

	st := &Settlement{ID: "st_1", ContractID: recent.ID, Status: SettlementPending, CreatedAt: t0}
	require.NoError(t, s.Apply(ctx, &Mutation{Settlements: []*Settlement{st}}))
	open, err := s.ListPendingSettlements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestMemoryStore_ResolutionsByStatusCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedContract(t, s, "ct_1", t0)
	for i, id := range []string{"rs_a", "rs_b", "rs_c"} {
		r := &ResolutionTicket{
			ID:         id,
			ContractID: "ct_1",
			Target:     Target{Kind: TargetFinalUpload, ID: id},
			Status:     ResolutionAwaitingReview,
			CreatedAt:  t0.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Apply(ctx, &Mutation{Resolutions: []*ResolutionTicket{r}}))
	}

	all, err := s.ListResolutionsByStatus(ctx, ResolutionAwaitingReview, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	after := &pagination.Cursor{CreatedAt: all[0].CreatedAt, ID: all[0].ID}
	rest, err := s.ListResolutionsByStatus(ctx, ResolutionAwaitingReview, after, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "rs_b", rest[0].ID)

	none, err := s.ListResolutionsByStatus(ctx, ResolutionOpen, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
