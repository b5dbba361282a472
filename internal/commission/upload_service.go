package commission

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/traces"
)

// SubmitUpload records work from the artist. Review-bearing uploads open a
// review window after which silence counts as acceptance.
func (s *Service) SubmitUpload(ctx context.Context, contractID, callerID string, req UploadRequest) (*Upload, error) {
	ctx, span := traces.StartSpan(ctx, "commission.SubmitUpload",
		traces.ContractID(contractID), traces.UserID(callerID))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, contractID, "upload.submitted")
	if err != nil {
		return nil, err
	}
	defer release()

	c := tx.contract
	if c.ArtistID != callerID || callerID == "" {
		return nil, fmt.Errorf("%w: only the artist may upload work", ErrUnauthorized)
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}

	u := &Upload{
		ID:               idgen.WithPrefix("up_"),
		ContractID:       c.ID,
		Kind:             req.Kind,
		UploaderID:       callerID,
		Images:           append([]string(nil), req.Images...),
		Description:      req.Description,
		Status:           UploadSubmitted,
		IsFinal:          req.IsFinal && req.Kind == UploadProgressMilestone,
		MilestoneIdx:     req.MilestoneIdx,
		RevisionTicketID: req.RevisionTicketID,
		CancelTicketID:   req.CancelTicketID,
		CreatedAt:        tx.now,
		UpdatedAt:        tx.now,
	}
	if req.Kind == UploadFinal {
		u.WorkProgress = req.WorkProgress
	} else {
		u.CancelTicketID = ""
	}
	if req.Kind != UploadRevision {
		u.RevisionTicketID = ""
	}
	if err := tx.checkUpload(u); err != nil {
		return nil, err
	}

	if u.RequiresReview() {
		uploads, err := tx.contractUploads()
		if err != nil {
			return nil, err
		}
		for _, other := range uploads {
			if other.IsOpen() && other.Kind == u.Kind && other.linkKey() == u.linkKey() {
				return nil, fmt.Errorf("%w: upload %s is awaiting review", ErrConflict, other.ID)
			}
		}
		expires := tx.now.Add(s.windows.UploadReview)
		u.ExpiresAt = &expires
	}

	tx.uploads.put(u)
	tx.emit(notify.EventUploadSubmitted, u.ID, "kind", u.Kind, "requiresReview", u.RequiresReview())
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	ticketsCreated.WithLabelValues("upload." + string(u.Kind)).Inc()
	logging.L(ctx).Info("upload submitted",
		"contractId", c.ID, "uploadId", u.ID, "kind", u.Kind, "requiresReview", u.RequiresReview())
	return u.clone(), nil
}

// checkUpload enforces the kind-specific preconditions of a submission.
func (tx *txn) checkUpload(u *Upload) error {
	c := tx.contract
	switch u.Kind {
	case UploadProgressStandard:
		if c.Flow != FlowStandard {
			return fmt.Errorf("%w: contract uses milestone flow", ErrInvalidInput)
		}
	case UploadProgressMilestone:
		if c.Flow != FlowMilestone {
			return fmt.Errorf("%w: contract uses standard flow", ErrInvalidInput)
		}
		idx := *u.MilestoneIdx
		if idx < 0 || idx >= len(c.Milestones) {
			return fmt.Errorf("%w: milestone %d does not exist", ErrInvalidInput, idx)
		}
		if u.IsFinal && (idx != c.CurrentMilestoneIndex || c.Milestones[idx].Status != MilestoneInProgress) {
			return fmt.Errorf("%w: milestone %d is not in progress", ErrInvalidState, idx)
		}
		if idx > c.CurrentMilestoneIndex {
			return fmt.Errorf("%w: milestone %d has not started", ErrInvalidState, idx)
		}
	case UploadRevision:
		t, err := tx.revisionTicket(u.RevisionTicketID)
		if err != nil {
			return err
		}
		if !t.IsAccepted() || t.Resolved {
			return fmt.Errorf("%w: revision ticket %s is not awaiting delivery", ErrInvalidState, t.ID)
		}
		u.MilestoneIdx = t.MilestoneIdx
	case UploadFinal:
		if u.CancelTicketID != "" {
			t, err := tx.cancelTicket(u.CancelTicketID)
			if err != nil {
				return err
			}
			if !t.IsAccepted() || t.Finalized {
				return fmt.Errorf("%w: cancel ticket %s is not awaiting proof", ErrInvalidState, t.ID)
			}
			return nil
		}
		set, err := tx.tickets()
		if err != nil {
			return err
		}
		for _, t := range set.Cancel {
			if t.IsAccepted() && !t.Finalized {
				return fmt.Errorf("%w: contract is being cancelled by %s", ErrInvalidState, t.ID)
			}
		}
		if c.Flow == FlowMilestone && !c.allMilestonesAccepted() {
			return fmt.Errorf("%w: all milestones must be accepted first", ErrInvalidState)
		}
	}
	return nil
}

// ReviewUpload records the client's verdict on an upload. Rejection needs a
// reason and is terminal; the artist submits a fresh upload instead.
func (s *Service) ReviewUpload(ctx context.Context, uploadID, callerID string, req ReviewRequest) (*Upload, error) {
	ctx, span := traces.StartSpan(ctx, "commission.ReviewUpload",
		traces.UploadID(uploadID), traces.UserID(callerID))
	defer span.End()

	if !req.Decision.valid() {
		return nil, fmt.Errorf("%w: decision must be accept or reject", ErrInvalidInput)
	}
	if req.Decision == Reject && strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: a rejection needs a reason", ErrInvalidInput)
	}
	found, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	tx, release, err := s.begin(ctx, found.ContractID, "upload.reviewed:"+uploadID)
	if err != nil {
		return nil, err
	}
	defer release()

	u, err := tx.upload(uploadID)
	if err != nil {
		return nil, err
	}
	if tx.contract.ClientID != callerID || callerID == "" {
		return nil, fmt.Errorf("%w: only the client may review uploads", ErrUnauthorized)
	}
	if u.IsTerminal() {
		return nil, fmt.Errorf("%w: upload is %s", ErrInvalidState, u.Status)
	}
	if !tx.contract.IsActive() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, tx.contract.Status)
	}
	if u.ExpiresAt != nil && tx.now.After(*u.ExpiresAt) {
		if err := tx.expireUpload(u); err != nil {
			return nil, err
		}
		if err := s.finish(tx); err != nil {
			return nil, err
		}
		return nil, windowClosed("review window", *u.ExpiresAt)
	}

	if req.Decision == Accept {
		err = tx.acceptUpload(u, false)
	} else {
		tx.rejectUpload(u, req.Reason)
	}
	if err != nil {
		return nil, err
	}
	tx.emit(notify.EventUploadReviewed, u.ID, "kind", u.Kind, "status", u.Status)
	if err := s.finish(tx); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("upload reviewed",
		"contractId", u.ContractID, "uploadId", u.ID, "status", u.Status)
	return u.clone(), nil
}

// expireUpload accepts an upload whose review window lapsed.
func (tx *txn) expireUpload(u *Upload) error {
	if err := tx.acceptUpload(u, true); err != nil {
		return err
	}
	autoResolvedTotal.WithLabelValues("upload").Inc()
	tx.emit(notify.EventUploadAutoResolve, u.ID, "kind", u.Kind, "status", u.Status)
	return nil
}
