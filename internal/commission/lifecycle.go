package commission

import (
	"fmt"

	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/payout"
)

// Transitions shared by party actions, timeout sweeps and admin overrides.
// Each one mutates entities loaded through tx and stages them for commit.

const voidReason = "contract closed"

// --- cancel tickets ---

func (tx *txn) acceptCancel(t *CancelTicket, forced bool, reason string) error {
	if t.Status != CancelPending && t.Status != CancelRejected {
		return fmt.Errorf("%w: cancel ticket is %s", ErrInvalidState, t.Status)
	}
	t.Status = CancelAccepted
	if forced {
		t.Status = CancelForcedAccepted
	}
	t.ResponseReason = reason
	t.ResolvedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.cancels.put(t)

	// A completion delivery can no longer be accepted once the contract is
	// being wound down.
	uploads, err := tx.contractUploads()
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if u.IsOpen() && u.IsCompletion() {
			tx.rejectUpload(u, "superseded by cancellation")
		}
	}

	transitionsTotal.WithLabelValues(string(TicketCancel), string(t.Status)).Inc()
	return nil
}

func (tx *txn) rejectCancel(t *CancelTicket, reason string) error {
	switch {
	case t.Status == CancelPending:
	case t.IsAccepted() && !t.Finalized:
		// Admin override: drop any proof awaiting review.
		uploads, err := tx.contractUploads()
		if err != nil {
			return err
		}
		for _, u := range uploads {
			if u.IsOpen() && u.CancelTicketID == t.ID {
				tx.rejectUpload(u, "cancellation overturned")
			}
		}
	case t.Finalized:
		return fmt.Errorf("%w: cancellation already settled", ErrInvalidState)
	default:
		return fmt.Errorf("%w: cancel ticket is %s", ErrInvalidState, t.Status)
	}
	t.Status = CancelRejected
	t.ResponseReason = reason
	t.ResolvedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.cancels.put(t)

	transitionsTotal.WithLabelValues(string(TicketCancel), string(t.Status)).Inc()
	return nil
}

// voidCancel retires an accepted cancellation that never settled because the
// contract closed some other way.
func (tx *txn) voidCancel(t *CancelTicket) {
	t.Status = CancelVoided
	t.ResponseReason = voidReason
	t.UpdatedAt = tx.now
	tx.cancels.put(t)
	transitionsTotal.WithLabelValues(string(TicketCancel), string(t.Status)).Inc()
}

// finalizeCancellation settles an accepted cancellation with the progress
// reported by its proof upload and closes the contract.
func (tx *txn) finalizeCancellation(t *CancelTicket, proof *Upload) error {
	if !t.IsAccepted() || t.Finalized {
		return fmt.Errorf("%w: cancel ticket %s cannot be finalized", ErrInvalidState, t.ID)
	}
	c := tx.contract
	initiator := payout.InitiatorClient
	if t.RequestedBy == RoleArtist {
		initiator = payout.InitiatorArtist
	}
	late := c.IsLate(t.CreatedAt)
	result, err := payout.Cancellation(payout.CancellationInput{
		Total:              c.TotalAmount,
		WorkProgress:       proof.WorkProgress,
		Fee:                c.Policy.CancellationFee,
		LatePenaltyPercent: c.Policy.LatePenaltyPercent,
		IsLate:             late,
		InitiatedBy:        initiator,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	t.Finalized = true
	t.FinalizedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.cancels.put(t)

	c.WorkPercentage = proof.WorkProgress
	tx.markClosing(proof)
	tx.settle(result)
	return tx.closeContract(cancelledStatus(t.RequestedBy, late))
}

func cancelledStatus(by Role, late bool) ContractStatus {
	switch {
	case by == RoleClient && late:
		return ContractCancelledClientLate
	case by == RoleClient:
		return ContractCancelledClient
	case late:
		return ContractCancelledArtistLate
	}
	return ContractCancelledArtist
}

// --- revision tickets ---

func (tx *txn) consumeRevision(t *RevisionTicket) error {
	policy, used := tx.contract.revisionAllowance(t.MilestoneIdx)
	switch policy.Type {
	case RevisionNone:
		return fmt.Errorf("%w: revisions are not allowed", ErrPolicyViolation)
	case RevisionLimited:
		t.UsedFreeRevision = *used < policy.FreeRevisions
		if !t.UsedFreeRevision {
			if policy.PaidFee <= 0 {
				return fmt.Errorf("%w: no free revisions left", ErrPolicyViolation)
			}
			t.PaidFee = policy.PaidFee
		}
	case RevisionUnlimited:
		t.UsedFreeRevision = true
	}
	*used++
	return nil
}

func (tx *txn) restoreRevision(t *RevisionTicket) {
	_, used := tx.contract.revisionAllowance(t.MilestoneIdx)
	if *used > 0 {
		*used--
	}
}

func (tx *txn) acceptRevision(t *RevisionTicket, forced bool, reason string) error {
	switch t.Status {
	case RevisionPending:
	case RevisionRejected, RevisionCancelled:
		// Admin override of an earlier refusal: charge the allowance again.
		t.PaidFee = 0
		if err := tx.consumeRevision(t); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: revision ticket is %s", ErrInvalidState, t.Status)
	}

	switch {
	case forced:
		t.Status = RevisionForcedAcceptedArtist
	case t.PaidFee > 0:
		t.Status = RevisionPaid
	default:
		t.Status = RevisionAccepted
	}
	if t.PaidFee > 0 {
		if err := tx.chargeFee(t.PaidFee); err != nil {
			return err
		}
		t.FeeHeld = true
	}
	t.ResponseReason = reason
	t.ClosedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.revisions.put(t)

	transitionsTotal.WithLabelValues(string(TicketRevision), string(t.Status)).Inc()
	return nil
}

// rejectRevision refuses a pending ticket, or reverses an accepted one whose
// revision has not been delivered yet.
func (tx *txn) rejectRevision(t *RevisionTicket, reason string) error {
	switch {
	case t.Status == RevisionPending:
	case t.IsAccepted() && !t.Resolved:
		if t.FeeHeld {
			tx.reverseFee(t.PaidFee)
			t.FeeHeld = false
		}
		uploads, err := tx.contractUploads()
		if err != nil {
			return err
		}
		for _, u := range uploads {
			if u.IsOpen() && u.RevisionTicketID == t.ID {
				tx.rejectUpload(u, "revision overturned")
			}
		}
	case t.Resolved:
		return fmt.Errorf("%w: revision already delivered", ErrInvalidState)
	default:
		return fmt.Errorf("%w: revision ticket is %s", ErrInvalidState, t.Status)
	}
	tx.restoreRevision(t)
	t.Status = RevisionRejected
	t.ResponseReason = reason
	t.ClosedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.revisions.put(t)

	transitionsTotal.WithLabelValues(string(TicketRevision), string(t.Status)).Inc()
	return nil
}

func (tx *txn) cancelRevision(t *RevisionTicket, reason string) error {
	if t.Status != RevisionPending {
		return fmt.Errorf("%w: revision ticket is %s", ErrInvalidState, t.Status)
	}
	tx.restoreRevision(t)
	t.Status = RevisionCancelled
	t.ResponseReason = reason
	t.ClosedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.revisions.put(t)
	transitionsTotal.WithLabelValues(string(TicketRevision), string(t.Status)).Inc()
	return nil
}

// --- change tickets ---

func (tx *txn) acceptChange(t *ChangeTicket, reason string) error {
	if t.Status != ChangePendingArtist && t.Status != ChangeRejectedArtist {
		return fmt.Errorf("%w: change ticket is %s", ErrInvalidState, t.Status)
	}
	c := tx.contract
	before := termsOf(c)
	t.Before = &before
	t.VersionBefore = c.TermsVersion

	if d := t.Changes.Deadline; d != nil {
		shift := d.Sub(c.Deadline)
		c.Deadline = *d
		c.GracePeriodEnd = c.GracePeriodEnd.Add(shift)
	}
	if t.Changes.Description != nil {
		c.Description = *t.Changes.Description
	}
	c.TermsVersion++
	t.VersionAfter = c.TermsVersion

	t.Status = ChangeAccepted
	if t.Changes.ExtraFee > 0 {
		if err := tx.chargeFee(t.Changes.ExtraFee); err != nil {
			return err
		}
		t.FeeHeld = true
		t.Status = ChangePaid
	}
	t.ResponseReason = reason
	t.ResolvedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.changes.put(t)

	transitionsTotal.WithLabelValues(string(TicketChange), string(t.Status)).Inc()
	return nil
}

// rejectChange refuses a pending ticket, or reverts an applied change as long
// as no later change has touched the terms.
func (tx *txn) rejectChange(t *ChangeTicket, reason string) error {
	c := tx.contract
	switch {
	case t.Status == ChangePendingArtist:
	case t.IsAccepted():
		if c.TermsVersion != t.VersionAfter || t.Before == nil {
			return fmt.Errorf("%w: contract terms changed since version %d", ErrConflict, t.VersionAfter)
		}
		c.Deadline = t.Before.Deadline
		c.GracePeriodEnd = t.Before.GracePeriodEnd
		c.Description = t.Before.Description
		c.TermsVersion++
		if t.FeeHeld {
			tx.reverseFee(t.Changes.ExtraFee)
			t.FeeHeld = false
		}
	default:
		return fmt.Errorf("%w: change ticket is %s", ErrInvalidState, t.Status)
	}
	t.Status = ChangeRejectedArtist
	t.ResponseReason = reason
	t.ResolvedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.changes.put(t)

	transitionsTotal.WithLabelValues(string(TicketChange), string(t.Status)).Inc()
	return nil
}

func (tx *txn) cancelChange(t *ChangeTicket, reason string) error {
	if t.Status != ChangePendingArtist {
		return fmt.Errorf("%w: change ticket is %s", ErrInvalidState, t.Status)
	}
	t.Status = ChangeCancelled
	t.ResponseReason = reason
	t.ResolvedAt = &tx.now
	t.UpdatedAt = tx.now
	tx.changes.put(t)
	transitionsTotal.WithLabelValues(string(TicketChange), string(t.Status)).Inc()
	return nil
}

// --- uploads ---

func (tx *txn) rejectUpload(u *Upload, reason string) {
	u.Status = UploadRejected
	u.RejectReason = reason
	u.ReviewedAt = &tx.now
	u.UpdatedAt = tx.now
	tx.uploads.put(u)
	transitionsTotal.WithLabelValues("upload", string(u.Status)).Inc()
}

// acceptUpload marks u accepted and runs its kind-specific side effects.
func (tx *txn) acceptUpload(u *Upload, forced bool) error {
	if u.IsAccepted() {
		return fmt.Errorf("%w: upload already accepted", ErrInvalidState)
	}

	switch {
	case u.Kind == UploadProgressMilestone && u.IsFinal:
		if err := tx.acceptMilestone(u); err != nil {
			return err
		}
		tx.markAccepted(u, forced)
	case u.Kind == UploadRevision:
		t, err := tx.revisionTicket(u.RevisionTicketID)
		if err != nil {
			return err
		}
		if !t.IsAccepted() || t.Resolved {
			return fmt.Errorf("%w: revision ticket %s is not awaiting delivery", ErrInvalidState, t.ID)
		}
		t.Resolved = true
		t.ResolvedAt = &tx.now
		t.UpdatedAt = tx.now
		tx.revisions.put(t)
		tx.markAccepted(u, forced)
	case u.IsCompletion():
		// Accept before closing so the close does not void the delivery itself.
		tx.markAccepted(u, forced)
		return tx.completeContract(u)
	case u.Kind == UploadFinal:
		t, err := tx.cancelTicket(u.CancelTicketID)
		if err != nil {
			return err
		}
		tx.markAccepted(u, forced)
		return tx.finalizeCancellation(t, u)
	default:
		tx.markAccepted(u, forced)
	}
	return nil
}

func (tx *txn) markAccepted(u *Upload, forced bool) {
	u.Status = UploadAccepted
	if forced {
		u.Status = UploadForcedAccepted
	}
	u.RejectReason = ""
	u.ReviewedAt = &tx.now
	u.UpdatedAt = tx.now
	tx.uploads.put(u)
	transitionsTotal.WithLabelValues("upload", string(u.Status)).Inc()
}

func (tx *txn) acceptMilestone(u *Upload) error {
	c := tx.contract
	idx := *u.MilestoneIdx
	if idx != c.CurrentMilestoneIndex || idx >= len(c.Milestones) {
		return fmt.Errorf("%w: milestone %d is not the current milestone", ErrInvalidState, idx)
	}
	share, err := payout.MilestoneShare(c.TotalAmount, c.milestonePercents(), idx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	m := &c.Milestones[idx]
	m.Status = MilestoneAccepted
	m.AcceptedAt = &tx.now
	m.ReleasedAmount = share
	c.CurrentMilestoneIndex++
	if c.CurrentMilestoneIndex < len(c.Milestones) {
		c.Milestones[c.CurrentMilestoneIndex].Status = MilestoneInProgress
	}
	c.WorkPercentage = c.acceptedWorkPercent()

	u.ReleasedAmount = share
	c.ReleasedToArtist += share
	tx.move(MoveRelease, share)
	return nil
}

// reopenMilestone reverses the acceptance of u's milestone. Every milestone
// accepted after it is reopened too, and all of their releases are clawed
// back into escrow in one movement.
func (tx *txn) reopenMilestone(u *Upload) error {
	c := tx.contract
	idx := *u.MilestoneIdx
	if idx >= c.CurrentMilestoneIndex || c.Milestones[idx].Status != MilestoneAccepted {
		return fmt.Errorf("%w: milestone %d is not accepted", ErrInvalidState, idx)
	}
	var released money.Cents
	for j := idx; j < len(c.Milestones) && j <= c.CurrentMilestoneIndex; j++ {
		m := &c.Milestones[j]
		released += m.ReleasedAmount
		m.Status = MilestonePending
		m.AcceptedAt = nil
		m.ReleasedAmount = 0
	}
	c.Milestones[idx].Status = MilestoneInProgress
	c.CurrentMilestoneIndex = idx
	c.WorkPercentage = c.acceptedWorkPercent()

	c.ReleasedToArtist -= released
	tx.move(MoveClawback, released)
	u.ReleasedAmount = 0

	// Work on later milestones is no longer current, accepted or not.
	uploads, err := tx.contractUploads()
	if err != nil {
		return err
	}
	undone := make(map[string]bool)
	for _, other := range uploads {
		if other.ID == u.ID || other.Kind != UploadProgressMilestone || other.MilestoneIdx == nil || *other.MilestoneIdx <= idx {
			continue
		}
		switch {
		case other.IsOpen():
			tx.rejectUpload(other, "earlier milestone reopened")
		case other.IsFinal && other.IsAccepted():
			other.ReleasedAmount = 0
			tx.rejectUpload(other, "earlier milestone reopened")
			undone[other.ID] = true
		}
	}
	tx.rejectUpload(u, overturnedReason)
	return tx.dropResolutions(undone)
}

// dropResolutions cancels open disputes over uploads whose outcome was
// undone as a side effect of another decision.
func (tx *txn) dropResolutions(uploadIDs map[string]bool) error {
	if len(uploadIDs) == 0 {
		return nil
	}
	rs, err := tx.contractResolutions()
	if err != nil {
		return err
	}
	for _, r := range rs {
		if !r.IsOpen() || !uploadIDs[r.Target.ID] {
			continue
		}
		r.Status = ResolutionCancelled
		r.ResolutionNote = "target reopened by an earlier decision"
		r.ResolvedAt = &tx.now
		r.UpdatedAt = tx.now
		tx.resolutions.put(r)
		transitionsTotal.WithLabelValues("resolution", string(r.Status)).Inc()
		tx.emit(notify.EventResolutionDropped, r.ID)
	}
	return nil
}

// reopenDelivery overturns the accepted upload that closed the contract.
// Releases made by the closing settlement are reversed and the contract is
// active again. Refunds already paid stay with the client and are credited
// against the next settlement.
func (tx *txn) reopenDelivery(u *Upload) error {
	c := tx.contract
	if c.IsActive() || c.ClosingUploadID != u.ID {
		return fmt.Errorf("%w: upload %s did not close the contract", ErrInvalidState, u.ID)
	}
	switch diff := c.ReleasedToArtist - c.ReleasedBeforeClose; {
	case diff > 0:
		tx.move(MoveClawback, diff)
		c.ReleasedToArtist -= diff
	case diff < 0:
		restore := min(-diff, c.Held())
		tx.move(MoveRelease, restore)
		c.ReleasedToArtist += restore
	}
	if !u.IsCompletion() {
		t, err := tx.cancelTicket(u.CancelTicketID)
		if err != nil {
			return err
		}
		t.Finalized = false
		t.FinalizedAt = nil
		t.UpdatedAt = tx.now
		tx.cancels.put(t)
	}

	from := c.Status
	c.Status = ContractActive
	c.ClosedAt = nil
	c.ClosingUploadID = ""
	c.ReleasedBeforeClose = 0
	c.WorkPercentage = c.acceptedWorkPercent()
	u.ReleasedAmount = 0
	tx.rejectUpload(u, overturnedReason)

	transitionsTotal.WithLabelValues("contract", string(c.Status)).Inc()
	tx.emit(notify.EventContractReopened, c.ID, "from", from,
		"releasedToArtist", int64(c.ReleasedToArtist), "refundedToClient", int64(c.RefundedToClient))
	return nil
}

// markClosing records u as the upload whose acceptance settles the contract.
func (tx *txn) markClosing(u *Upload) {
	tx.contract.ClosingUploadID = u.ID
	tx.contract.ReleasedBeforeClose = tx.contract.ReleasedToArtist
}

// completeContract pays out a delivered contract.
func (tx *txn) completeContract(u *Upload) error {
	c := tx.contract
	if c.Flow == FlowMilestone && !c.allMilestonesAccepted() {
		return fmt.Errorf("%w: all milestones must be accepted first", ErrInvalidState)
	}
	late := c.IsLate(u.CreatedAt)
	result, err := payout.Completion(c.TotalAmount, c.Policy.LatePenaltyPercent, late)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c.WorkPercentage = 100
	tx.markClosing(u)
	tx.settle(result)
	status := ContractCompleted
	if late {
		status = ContractCompletedLate
	}
	return tx.closeContract(status)
}

// --- contract ---

// settle moves funds so the contract's books match result. Funds already
// released beyond the artist's share are clawed back before the refund.
func (tx *txn) settle(result payout.Result) {
	c := tx.contract
	artistDue := result.ArtistAmount - c.ReleasedToArtist
	clientDue := result.ClientAmount - c.RefundedToClient
	// Refunds are never recalled; a client already paid more than its share
	// keeps the excess and the artist's share absorbs it.
	if clientDue < 0 {
		artistDue += clientDue
		clientDue = 0
	}
	if artistDue < 0 {
		tx.move(MoveClawback, -artistDue)
	}
	tx.move(MoveRelease, artistDue)
	tx.move(MoveRefund, clientDue)
	c.ReleasedToArtist += artistDue
	c.RefundedToClient += clientDue
}

// closeContract moves the contract to a terminal status and voids whatever
// was still waiting on it.
func (tx *txn) closeContract(status ContractStatus) error {
	c := tx.contract
	c.Status = status
	c.ClosedAt = &tx.now

	set, err := tx.tickets()
	if err != nil {
		return err
	}
	for _, t := range set.Cancel {
		switch {
		case t.Status == CancelPending:
			if err := tx.rejectCancel(t, voidReason); err != nil {
				return err
			}
		case t.IsAccepted() && !t.Finalized:
			tx.voidCancel(t)
		}
	}
	for _, t := range set.Revision {
		switch {
		case t.Status == RevisionPending:
			if err := tx.cancelRevision(t, voidReason); err != nil {
				return err
			}
		case t.IsAccepted() && !t.Resolved:
			// The fee stays in the settled total; only the obligation lapses.
			t.Status = RevisionCancelled
			t.ResponseReason = voidReason
			t.UpdatedAt = tx.now
			tx.revisions.put(t)
			transitionsTotal.WithLabelValues(string(TicketRevision), string(t.Status)).Inc()
		}
	}
	for _, t := range set.Change {
		if t.Status == ChangePendingArtist {
			if err := tx.cancelChange(t, voidReason); err != nil {
				return err
			}
		}
	}
	uploads, err := tx.contractUploads()
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if u.Status == UploadSubmitted {
			tx.rejectUpload(u, voidReason)
		}
	}

	transitionsTotal.WithLabelValues("contract", string(status)).Inc()
	tx.emit(notify.EventContractClosed, c.ID, "status", status,
		"releasedToArtist", int64(c.ReleasedToArtist), "refundedToClient", int64(c.RefundedToClient))
	return nil
}
