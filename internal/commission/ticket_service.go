package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/traces"
)

const (
	expiredReason   = "response window elapsed"
	withdrawnReason = "withdrawn by requester"
)

func windowClosed(kind string, at time.Time) error {
	return fmt.Errorf("%w: %s expired at %s", ErrWindowClosed, kind, at.UTC().Format(time.RFC3339))
}

// CreateCancelTicket asks the other party to end the contract early.
func (s *Service) CreateCancelTicket(ctx context.Context, contractID, callerID string, req CreateCancelRequest) (*CancelTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.CreateCancelTicket",
		traces.ContractID(contractID), traces.UserID(callerID))
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	tx, release, err := s.begin(ctx, contractID, "cancel.created")
	if err != nil {
		return nil, err
	}
	defer release()

	c := tx.contract
	role, err := partyRole(c, callerID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	set, err := tx.openTickets()
	if err != nil {
		return nil, err
	}
	for _, t := range set.Cancel {
		if t.IsOpen() {
			return nil, fmt.Errorf("%w: cancel ticket %s is unresolved", ErrConflict, t.ID)
		}
	}

	t := &CancelTicket{
		ID:            idgen.WithPrefix("cx_"),
		ContractID:    c.ID,
		RequestedBy:   role,
		RequestedByID: callerID,
		Reason:        req.Reason,
		Status:        CancelPending,
		ExpiresAt:     tx.now.Add(s.windows.TicketResponse),
		CreatedAt:     tx.now,
		UpdatedAt:     tx.now,
	}
	tx.cancels.put(t)
	tx.emit(notify.EventTicketCreated, t.ID, "kind", TicketCancel, "requestedBy", role)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	ticketsCreated.WithLabelValues(string(TicketCancel)).Inc()
	logging.L(ctx).Info("cancel ticket created", "contractId", c.ID, "ticketId", t.ID, "requestedBy", role)
	return t.clone(), nil
}

// RespondCancel records the counterparty's answer to a cancel ticket.
func (s *Service) RespondCancel(ctx context.Context, ticketID, callerID string, req RespondRequest) (*CancelTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.RespondCancel",
		traces.TicketID(ticketID), traces.UserID(callerID))
	defer span.End()

	if !req.Decision.valid() {
		return nil, fmt.Errorf("%w: decision must be accept or reject", ErrInvalidInput)
	}
	found, err := s.store.GetCancelTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "cancel.responded:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := tx.cancelTicket(ticketID)
	if err != nil {
		return nil, err
	}
	role, err := partyRole(tx.contract, callerID)
	if err != nil {
		return nil, err
	}
	if role != t.RequestedBy.Opposite() {
		return nil, fmt.Errorf("%w: only the counterparty may respond", ErrUnauthorized)
	}
	if err := respondable(tx.contract, t.Status == CancelPending, string(t.Status)); err != nil {
		return nil, err
	}
	if tx.now.After(t.ExpiresAt) {
		if err := tx.expireCancel(t); err != nil {
			return nil, err
		}
		if err := s.finish(tx); err != nil {
			return nil, err
		}
		return nil, windowClosed("cancel ticket", t.ExpiresAt)
	}

	if req.Decision == Accept {
		err = tx.acceptCancel(t, false, req.Reason)
	} else {
		err = tx.rejectCancel(t, req.Reason)
	}
	if err != nil {
		return nil, err
	}
	tx.emit(notify.EventTicketResponded, t.ID, "kind", TicketCancel, "status", t.Status)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// CreateRevisionTicket asks the artist to revise delivered work. Only the
// client may request revisions.
func (s *Service) CreateRevisionTicket(ctx context.Context, contractID, callerID string, req CreateRevisionRequest) (*RevisionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.CreateRevisionTicket",
		traces.ContractID(contractID), traces.UserID(callerID))
	defer span.End()

	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	tx, release, err := s.begin(ctx, contractID, "revision.created")
	if err != nil {
		return nil, err
	}
	defer release()

	c := tx.contract
	role, err := partyRole(c, callerID)
	if err != nil {
		return nil, err
	}
	if role != RoleClient {
		return nil, fmt.Errorf("%w: only the client may request revisions", ErrUnauthorized)
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	if idx := req.MilestoneIdx; idx != nil {
		if c.Flow != FlowMilestone || *idx < 0 || *idx >= len(c.Milestones) || *idx > c.CurrentMilestoneIndex {
			return nil, fmt.Errorf("%w: milestone %d cannot be revised", ErrInvalidInput, *idx)
		}
	}
	if policy, _ := c.revisionAllowance(req.MilestoneIdx); policy.Type == RevisionNone {
		return nil, fmt.Errorf("%w: revisions are not allowed", ErrPolicyViolation)
	}
	set, err := tx.openTickets()
	if err != nil {
		return nil, err
	}
	for _, t := range set.Revision {
		if t.IsOpen() {
			return nil, fmt.Errorf("%w: revision ticket %s is unresolved", ErrConflict, t.ID)
		}
	}

	t := &RevisionTicket{
		ID:            idgen.WithPrefix("rv_"),
		ContractID:    c.ID,
		RequestedByID: callerID,
		Description:   req.Description,
		MilestoneIdx:  req.MilestoneIdx,
		Status:        RevisionPending,
		ExpiresAt:     tx.now.Add(s.windows.TicketResponse),
		CreatedAt:     tx.now,
		UpdatedAt:     tx.now,
	}
	if err := tx.consumeRevision(t); err != nil {
		return nil, err
	}
	tx.revisions.put(t)
	tx.emit(notify.EventTicketCreated, t.ID, "kind", TicketRevision, "paidFee", int64(t.PaidFee))
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	ticketsCreated.WithLabelValues(string(TicketRevision)).Inc()
	logging.L(ctx).Info("revision ticket created",
		"contractId", c.ID, "ticketId", t.ID, "free", t.UsedFreeRevision, "paidFee", t.PaidFee.String())
	return t.clone(), nil
}

// RespondRevision records the artist's answer to a revision ticket. A paid
// revision is held in escrow when accepted.
func (s *Service) RespondRevision(ctx context.Context, ticketID, callerID string, req RespondRequest) (*RevisionTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.RespondRevision",
		traces.TicketID(ticketID), traces.UserID(callerID))
	defer span.End()

	if !req.Decision.valid() {
		return nil, fmt.Errorf("%w: decision must be accept or reject", ErrInvalidInput)
	}
	found, err := s.store.GetRevisionTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "revision.responded:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := tx.revisionTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if tx.contract.ArtistID != callerID || callerID == "" {
		return nil, fmt.Errorf("%w: only the artist may respond", ErrUnauthorized)
	}
	if err := respondable(tx.contract, t.Status == RevisionPending, string(t.Status)); err != nil {
		return nil, err
	}
	if tx.now.After(t.ExpiresAt) {
		if err := tx.expireRevision(t); err != nil {
			return nil, err
		}
		if err := s.finish(tx); err != nil {
			return nil, err
		}
		return nil, windowClosed("revision ticket", t.ExpiresAt)
	}

	if req.Decision == Accept {
		err = tx.acceptRevision(t, false, req.Reason)
	} else {
		err = tx.rejectRevision(t, req.Reason)
	}
	if err != nil {
		return nil, err
	}
	tx.emit(notify.EventTicketResponded, t.ID, "kind", TicketRevision, "status", t.Status)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// WithdrawRevision lets the client drop a revision request still pending.
func (s *Service) WithdrawRevision(ctx context.Context, ticketID, callerID string) (*RevisionTicket, error) {
	found, err := s.store.GetRevisionTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "revision.withdrawn:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := tx.revisionTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.RequestedByID != callerID {
		return nil, fmt.Errorf("%w: only the requester may withdraw", ErrUnauthorized)
	}
	if err := tx.cancelRevision(t, withdrawnReason); err != nil {
		return nil, err
	}
	tx.emit(notify.EventTicketWithdrawn, t.ID, "kind", TicketRevision)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// CreateChangeTicket proposes new contract terms to the artist.
func (s *Service) CreateChangeTicket(ctx context.Context, contractID, callerID string, req CreateChangeRequest) (*ChangeTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.CreateChangeTicket",
		traces.ContractID(contractID), traces.UserID(callerID))
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if req.Changes.empty() {
		return nil, fmt.Errorf("%w: changes must modify at least one term", ErrInvalidInput)
	}
	if req.Changes.ExtraFee < 0 {
		return nil, fmt.Errorf("%w: extraFee must not be negative", ErrInvalidInput)
	}
	tx, release, err := s.begin(ctx, contractID, "change.created")
	if err != nil {
		return nil, err
	}
	defer release()

	c := tx.contract
	role, err := partyRole(c, callerID)
	if err != nil {
		return nil, err
	}
	if role != RoleClient {
		return nil, fmt.Errorf("%w: only the client may propose changes", ErrUnauthorized)
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	if !c.Policy.AllowContractChange {
		return nil, fmt.Errorf("%w: contract changes are not allowed", ErrPolicyViolation)
	}
	if d := req.Changes.Deadline; d != nil && !d.After(tx.now) {
		return nil, fmt.Errorf("%w: new deadline must be in the future", ErrInvalidInput)
	}
	if req.Changes.ExtraFee > money.MaxAmount-c.TotalAmount {
		return nil, fmt.Errorf("%w: extraFee would take the total past %s", ErrInvalidInput, money.MaxAmount)
	}
	set, err := tx.openTickets()
	if err != nil {
		return nil, err
	}
	for _, t := range set.Change {
		if t.IsOpen() {
			return nil, fmt.Errorf("%w: change ticket %s is pending", ErrConflict, t.ID)
		}
	}

	t := &ChangeTicket{
		ID:            idgen.WithPrefix("ch_"),
		ContractID:    c.ID,
		RequestedByID: callerID,
		Reason:        req.Reason,
		Changes:       req.Changes,
		IsPaidChange:  req.Changes.ExtraFee > 0,
		Status:        ChangePendingArtist,
		ExpiresAt:     tx.now.Add(s.windows.TicketResponse),
		CreatedAt:     tx.now,
		UpdatedAt:     tx.now,
	}
	tx.changes.put(t)
	tx.emit(notify.EventTicketCreated, t.ID, "kind", TicketChange, "extraFee", int64(t.Changes.ExtraFee))
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	ticketsCreated.WithLabelValues(string(TicketChange)).Inc()
	logging.L(ctx).Info("change ticket created", "contractId", c.ID, "ticketId", t.ID, "paid", t.IsPaidChange)
	return t.clone(), nil
}

// RespondChange records the artist's answer to a change ticket. Acceptance
// applies the change set and bumps the contract's terms version.
func (s *Service) RespondChange(ctx context.Context, ticketID, callerID string, req RespondRequest) (*ChangeTicket, error) {
	ctx, span := traces.StartSpan(ctx, "commission.RespondChange",
		traces.TicketID(ticketID), traces.UserID(callerID))
	defer span.End()

	if !req.Decision.valid() {
		return nil, fmt.Errorf("%w: decision must be accept or reject", ErrInvalidInput)
	}
	found, err := s.store.GetChangeTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "change.responded:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := tx.changeTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if tx.contract.ArtistID != callerID || callerID == "" {
		return nil, fmt.Errorf("%w: only the artist may respond", ErrUnauthorized)
	}
	if err := respondable(tx.contract, t.Status == ChangePendingArtist, string(t.Status)); err != nil {
		return nil, err
	}
	if tx.now.After(t.ExpiresAt) {
		if err := tx.expireChange(t); err != nil {
			return nil, err
		}
		if err := s.finish(tx); err != nil {
			return nil, err
		}
		return nil, windowClosed("change ticket", t.ExpiresAt)
	}

	if req.Decision == Accept {
		err = tx.acceptChange(t, req.Reason)
	} else {
		err = tx.rejectChange(t, req.Reason)
	}
	if err != nil {
		return nil, err
	}
	tx.emit(notify.EventTicketResponded, t.ID, "kind", TicketChange, "status", t.Status,
		"termsVersion", tx.contract.TermsVersion)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// WithdrawChange lets the client drop a change proposal still pending.
func (s *Service) WithdrawChange(ctx context.Context, ticketID, callerID string) (*ChangeTicket, error) {
	found, err := s.store.GetChangeTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "change.withdrawn:"+ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := tx.changeTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.RequestedByID != callerID {
		return nil, fmt.Errorf("%w: only the requester may withdraw", ErrUnauthorized)
	}
	if err := tx.cancelChange(t, withdrawnReason); err != nil {
		return nil, err
	}
	tx.emit(notify.EventTicketWithdrawn, t.ID, "kind", TicketChange)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// respondable checks the shared preconditions of a ticket response.
func respondable(c *Contract, pending bool, status string) error {
	if !pending {
		return fmt.Errorf("%w: ticket is %s", ErrInvalidState, status)
	}
	if !c.IsActive() {
		return fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	return nil
}

// openTickets lists the contract's tickets after applying any timeout that
// is already due, so a lapsed ticket never blocks a new one.
func (tx *txn) openTickets() (*TicketSet, error) {
	set, err := tx.tickets()
	if err != nil {
		return nil, err
	}
	for _, t := range set.Cancel {
		if t.Status == CancelPending && tx.now.After(t.ExpiresAt) {
			if err := tx.expireCancel(t); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range set.Revision {
		if t.Status == RevisionPending && tx.now.After(t.ExpiresAt) {
			if err := tx.expireRevision(t); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range set.Change {
		if t.Status == ChangePendingArtist && tx.now.After(t.ExpiresAt) {
			if err := tx.expireChange(t); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

// Timeout transitions. Silence on a cancel ticket favours the requester,
// silence on a revision ticket counts as the artist accepting, and an
// unanswered change never touches the contract.

func (tx *txn) expireCancel(t *CancelTicket) error {
	if err := tx.acceptCancel(t, true, expiredReason); err != nil {
		return err
	}
	autoResolvedTotal.WithLabelValues(string(TicketCancel)).Inc()
	tx.emit(notify.EventTicketExpired, t.ID, "kind", TicketCancel, "status", t.Status)
	return nil
}

func (tx *txn) expireRevision(t *RevisionTicket) error {
	if err := tx.acceptRevision(t, true, expiredReason); err != nil {
		return err
	}
	autoResolvedTotal.WithLabelValues(string(TicketRevision)).Inc()
	tx.emit(notify.EventTicketExpired, t.ID, "kind", TicketRevision, "status", t.Status)
	return nil
}

func (tx *txn) expireChange(t *ChangeTicket) error {
	if err := tx.cancelChange(t, expiredReason); err != nil {
		return err
	}
	autoResolvedTotal.WithLabelValues(string(TicketChange)).Inc()
	tx.emit(notify.EventTicketExpired, t.ID, "kind", TicketChange, "status", t.Status)
	return nil
}
