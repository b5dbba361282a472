package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/pagination"
	"github.com/mbd888/atelier/internal/traces"
)

// targetState is what arbitration needs to know about a disputed entity.
type targetState struct {
	accepted    bool
	disputable  bool // the entity reached an outcome that can be contested
	beneficiary Role // the party that wants the entity accepted
}

// targetOps resolves one kind of dispute target.
type targetOps struct {
	inspect  func(tx *txn, id string) (targetState, error)
	override func(tx *txn, id string, accept bool) error
}

// targets is the dispatch table behind Target.Kind.
var targets = map[TargetKind]targetOps{
	TargetCancelTicket: {
		inspect: func(tx *txn, id string) (targetState, error) {
			t, err := tx.cancelTicket(id)
			if err != nil {
				return targetState{}, err
			}
			return targetState{
				accepted:    t.IsAccepted(),
				disputable:  t.IsTerminal(),
				beneficiary: t.RequestedBy,
			}, nil
		},
		override: func(tx *txn, id string, accept bool) error {
			t, err := tx.cancelTicket(id)
			if err != nil {
				return err
			}
			if !accept {
				return tx.rejectCancel(t, overturnedReason)
			}
			set, err := tx.tickets()
			if err != nil {
				return err
			}
			for _, other := range set.Cancel {
				if other.ID != t.ID && other.IsOpen() {
					return fmt.Errorf("%w: cancel ticket %s is unresolved", ErrConflict, other.ID)
				}
			}
			return tx.acceptCancel(t, false, overturnedReason)
		},
	},
	TargetRevisionTicket: {
		inspect: func(tx *txn, id string) (targetState, error) {
			t, err := tx.revisionTicket(id)
			if err != nil {
				return targetState{}, err
			}
			return targetState{
				accepted:    t.IsAccepted(),
				disputable:  t.IsAccepted() || t.Status == RevisionRejected,
				beneficiary: RoleClient,
			}, nil
		},
		override: func(tx *txn, id string, accept bool) error {
			t, err := tx.revisionTicket(id)
			if err != nil {
				return err
			}
			if !accept {
				return tx.rejectRevision(t, overturnedReason)
			}
			set, err := tx.tickets()
			if err != nil {
				return err
			}
			for _, other := range set.Revision {
				if other.ID != t.ID && other.IsOpen() {
					return fmt.Errorf("%w: revision ticket %s is unresolved", ErrConflict, other.ID)
				}
			}
			return tx.acceptRevision(t, false, overturnedReason)
		},
	},
	TargetChangeTicket: {
		inspect: func(tx *txn, id string) (targetState, error) {
			t, err := tx.changeTicket(id)
			if err != nil {
				return targetState{}, err
			}
			return targetState{
				accepted:    t.IsAccepted(),
				disputable:  t.IsAccepted() || t.Status == ChangeRejectedArtist,
				beneficiary: RoleClient,
			}, nil
		},
		override: func(tx *txn, id string, accept bool) error {
			t, err := tx.changeTicket(id)
			if err != nil {
				return err
			}
			if accept {
				return tx.acceptChange(t, overturnedReason)
			}
			return tx.rejectChange(t, overturnedReason)
		},
	},
	TargetMilestoneUpload: {
		inspect: inspectUpload(TargetMilestoneUpload),
		override: func(tx *txn, id string, accept bool) error {
			u, err := tx.upload(id)
			if err != nil {
				return err
			}
			if !accept {
				return tx.reopenMilestone(u)
			}
			if err := tx.supersede(u); err != nil {
				return err
			}
			return tx.acceptUpload(u, false)
		},
	},
	TargetRevisionUpload: {
		inspect: inspectUpload(TargetRevisionUpload),
		override: func(tx *txn, id string, accept bool) error {
			u, err := tx.upload(id)
			if err != nil {
				return err
			}
			if accept {
				if err := tx.supersede(u); err != nil {
					return err
				}
				return tx.acceptUpload(u, false)
			}
			t, err := tx.revisionTicket(u.RevisionTicketID)
			if err != nil {
				return err
			}
			set, err := tx.tickets()
			if err != nil {
				return err
			}
			for _, other := range set.Revision {
				if other.ID != t.ID && other.IsOpen() {
					return fmt.Errorf("%w: revision ticket %s is unresolved", ErrConflict, other.ID)
				}
			}
			// The revision is owed again.
			t.Resolved = false
			t.ResolvedAt = nil
			t.UpdatedAt = tx.now
			tx.revisions.put(t)
			tx.rejectUpload(u, overturnedReason)
			return nil
		},
	},
	TargetFinalUpload: {
		inspect: inspectUpload(TargetFinalUpload),
		override: func(tx *txn, id string, accept bool) error {
			u, err := tx.upload(id)
			if err != nil {
				return err
			}
			if !accept {
				return tx.reopenDelivery(u)
			}
			if u.IsCompletion() {
				if err := tx.checkUpload(u); err != nil {
					return err
				}
			}
			if err := tx.supersede(u); err != nil {
				return err
			}
			return tx.acceptUpload(u, false)
		},
	},
}

const overturnedReason = "overturned by resolution"

func inspectUpload(kind TargetKind) func(tx *txn, id string) (targetState, error) {
	return func(tx *txn, id string) (targetState, error) {
		u, err := tx.upload(id)
		if err != nil {
			return targetState{}, err
		}
		want, _ := Target{Kind: kind}.uploadKind()
		if u.Kind != want || !u.RequiresReview() {
			return targetState{}, fmt.Errorf("%w: upload %s is not a %s", ErrInvalidInput, id, kind)
		}
		return targetState{
			accepted:    u.IsAccepted(),
			disputable:  u.IsTerminal(),
			beneficiary: RoleArtist,
		}, nil
	}
}

// supersede rejects other submissions competing with u for the same link.
func (tx *txn) supersede(u *Upload) error {
	uploads, err := tx.contractUploads()
	if err != nil {
		return err
	}
	for _, other := range uploads {
		if other.ID != u.ID && other.IsOpen() && other.Kind == u.Kind && other.linkKey() == u.linkKey() {
			tx.rejectUpload(other, "superseded by resolution")
		}
	}
	return nil
}

// Escalate opens a resolution ticket against a ticket or upload outcome.
func (s *Service) Escalate(ctx context.Context, contractID, callerID string, req EscalateRequest) (*ResolutionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.Escalate",
		traces.ContractID(contractID), traces.UserID(callerID))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, contractID, "resolution.opened")
	if err != nil {
		return nil, err
	}
	defer release()

	c := tx.contract
	role, err := partyRole(c, callerID)
	if err != nil {
		return nil, err
	}
	// A closed contract only answers for the upload that closed it.
	if !c.IsActive() && req.Target.ID != c.ClosingUploadID {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	state, err := targets[req.Target.Kind].inspect(tx, req.Target.ID)
	if err != nil {
		return nil, err
	}
	if !state.disputable {
		return nil, fmt.Errorf("%w: %s has no outcome to dispute", ErrInvalidState, req.Target)
	}
	existing, err := s.store.ListResolutions(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.IsOpen() && r.Target == req.Target {
			return nil, fmt.Errorf("%w: resolution %s already covers %s", ErrConflict, r.ID, req.Target)
		}
	}

	counterparty := role.Opposite()
	r := &ResolutionTicket{
		ID:               idgen.WithPrefix("rs_"),
		ContractID:       c.ID,
		SubmittedBy:      role,
		SubmittedByID:    callerID,
		Counterparty:     counterparty,
		CounterpartyID:   c.PartyID(counterparty),
		Target:           req.Target,
		Description:      req.Description,
		ProofImages:      append([]string(nil), req.ProofImages...),
		CounterExpiresAt: tx.now.Add(s.windows.Counterproof),
		Status:           ResolutionOpen,
		CreatedAt:        tx.now,
		UpdatedAt:        tx.now,
	}
	tx.resolutions.put(r)
	tx.emit(notify.EventResolutionOpened, r.ID, "target", r.Target.String(), "submittedBy", role)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	ticketsCreated.WithLabelValues("resolution").Inc()
	logging.L(ctx).Info("resolution ticket opened",
		"contractId", c.ID, "resolutionId", r.ID, "target", r.Target.String(), "submittedBy", role)
	return r.clone(), nil
}

// SubmitCounterproof records the counterparty's side and queues the ticket
// for review. After the window it fails with ErrWindowClosed and queues the
// ticket anyway.
func (s *Service) SubmitCounterproof(ctx context.Context, ticketID, callerID string, req CounterproofRequest) (*ResolutionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.SubmitCounterproof",
		traces.ResolutionID(ticketID), traces.UserID(callerID))
	defer span.End()

	if strings.TrimSpace(req.Description) == "" && len(req.Images) == 0 {
		return nil, fmt.Errorf("%w: a description or images are required", ErrInvalidInput)
	}
	found, err := s.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "resolution.counterproof:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := tx.resolution(ticketID)
	if err != nil {
		return nil, err
	}
	if r.CounterpartyID != callerID || callerID == "" {
		return nil, fmt.Errorf("%w: only the counterparty may answer", ErrUnauthorized)
	}
	if r.Status != ResolutionOpen {
		return nil, fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
	}
	if tx.now.After(r.CounterExpiresAt) {
		tx.lapseResolution(r)
		if err := s.finish(tx); err != nil {
			return nil, err
		}
		return nil, windowClosed("counterproof window", r.CounterExpiresAt)
	}

	r.CounterDescription = req.Description
	r.CounterProofImages = append([]string(nil), req.Images...)
	r.CounterSubmittedAt = &tx.now
	r.Status = ResolutionAwaitingReview
	r.UpdatedAt = tx.now
	tx.resolutions.put(r)
	transitionsTotal.WithLabelValues("resolution", string(r.Status)).Inc()
	tx.emit(notify.EventResolutionReady, r.ID, "counterproof", true)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// lapseResolution queues a ticket whose counterparty stayed silent.
func (tx *txn) lapseResolution(r *ResolutionTicket) {
	r.Status = ResolutionAwaitingReview
	r.UpdatedAt = tx.now
	tx.resolutions.put(r)
	transitionsTotal.WithLabelValues("resolution", string(r.Status)).Inc()
	autoResolvedTotal.WithLabelValues("resolution").Inc()
	tx.emit(notify.EventResolutionReady, r.ID, "counterproof", false)
}

// Resolve applies an admin decision. If the target already has the outcome
// the decision favours it is confirmed as is; otherwise the target is
// overridden and funds re-settled in the same write. A ticket resolves once.
func (s *Service) Resolve(ctx context.Context, ticketID, adminID string, req ResolveRequest) (*ResolutionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.Resolve",
		traces.ResolutionID(ticketID), traces.UserID(adminID))
	defer span.End()

	if !req.Decision.valid() {
		return nil, fmt.Errorf("%w: decision must be favorClient or favorArtist", ErrInvalidInput)
	}
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	found, err := s.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "resolution.resolved:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := tx.resolution(ticketID)
	if err != nil {
		return nil, err
	}
	if r.Status == ResolutionOpen && tx.now.After(r.CounterExpiresAt) {
		tx.lapseResolution(r)
	}
	if r.Status != ResolutionAwaitingReview {
		return nil, fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
	}

	ops := targets[r.Target.Kind]
	state, err := ops.inspect(tx, r.Target.ID)
	if err != nil {
		return nil, err
	}
	accept := req.Decision.Role() == state.beneficiary
	r.Outcome = OutcomeConfirmed
	if state.accepted != accept {
		if c := tx.contract; !c.IsActive() && r.Target.ID != c.ClosingUploadID {
			return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
		}
		if err := ops.override(tx, r.Target.ID, accept); err != nil {
			return nil, err
		}
		r.Outcome = OutcomeOverridden
	}

	r.Status = ResolutionResolved
	r.Decision = req.Decision
	r.ResolutionNote = req.Note
	r.ResolvedBy = adminID
	r.ResolvedAt = &tx.now
	r.UpdatedAt = tx.now
	tx.resolutions.put(r)
	tx.emit(notify.EventResolutionDecided, r.ID, "decision", r.Decision, "outcome", r.Outcome)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	resolutionsTotal.WithLabelValues(string(r.Status), string(r.Outcome)).Inc()
	logging.L(ctx).Info("resolution decided",
		"contractId", r.ContractID, "resolutionId", r.ID, "target", r.Target.String(),
		"decision", r.Decision, "outcome", r.Outcome, "admin", adminID)
	return r.clone(), nil
}

// CancelResolution closes a dispute settled out of band. Nothing moves.
func (s *Service) CancelResolution(ctx context.Context, ticketID, adminID string, req CancelResolutionRequest) (*ResolutionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.CancelResolution",
		traces.ResolutionID(ticketID), traces.UserID(adminID))
	defer span.End()

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	found, err := s.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "resolution.cancelled:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := tx.resolution(ticketID)
	if err != nil {
		return nil, err
	}
	if r.IsTerminal() {
		return nil, fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
	}
	r.Status = ResolutionCancelled
	r.ResolutionNote = req.Note
	r.ResolvedBy = adminID
	r.ResolvedAt = &tx.now
	r.UpdatedAt = tx.now
	tx.resolutions.put(r)
	tx.emit(notify.EventResolutionDropped, r.ID)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	resolutionsTotal.WithLabelValues(string(r.Status), "").Inc()
	return r.clone(), nil
}

// GetResolution returns a resolution ticket visible to callerID.
func (s *Service) GetResolution(ctx context.Context, ticketID, callerID string) (*ResolutionTicket, error) {
	r, err := s.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetContract(ctx, r.ContractID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, c, callerID); err != nil {
		return nil, err
	}
	return r, nil
}

// ReviewQueue is one page of tickets awaiting an admin decision.
type ReviewQueue struct {
	Items      []*ResolutionTicket `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
	HasMore    bool                `json:"hasMore"`
}

// ListReviewQueue pages through tickets awaiting review, oldest first.
func (s *Service) ListReviewQueue(ctx context.Context, adminID, cursor string, limit int) (*ReviewQueue, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	limit = pagination.ClampLimit(limit, 25, 100)
	items, err := s.store.ListResolutionsByStatus(ctx, ResolutionAwaitingReview, cur, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(r *ResolutionTicket) (createdAt time.Time, id string) {
		return r.CreatedAt, r.ID
	})
	return &ReviewQueue{Items: page, NextCursor: next, HasMore: more}, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	ok, err := s.isAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: admin only", ErrUnauthorized)
	}
	return nil
}
