package commission

import (
	"fmt"
	"time"
)

// TargetKind tags which entity a resolution ticket disputes.
type TargetKind string

const (
	TargetCancelTicket    TargetKind = "cancelTicket"
	TargetRevisionTicket  TargetKind = "revisionTicket"
	TargetChangeTicket    TargetKind = "changeTicket"
	TargetMilestoneUpload TargetKind = "milestoneUpload"
	TargetRevisionUpload  TargetKind = "revisionUpload"
	TargetFinalUpload     TargetKind = "finalUpload"
)

// Target references the disputed ticket or upload.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}

// uploadKind returns the upload kind a target of kind t must have.
func (t Target) uploadKind() (UploadKind, bool) {
	switch t.Kind {
	case TargetMilestoneUpload:
		return UploadProgressMilestone, true
	case TargetRevisionUpload:
		return UploadRevision, true
	case TargetFinalUpload:
		return UploadFinal, true
	}
	return "", false
}

// ResolutionStatus is the arbitration state.
type ResolutionStatus string

const (
	ResolutionOpen           ResolutionStatus = "open"
	ResolutionAwaitingReview ResolutionStatus = "awaitingReview"
	ResolutionResolved       ResolutionStatus = "resolved"
	ResolutionCancelled      ResolutionStatus = "cancelled"
)

// Decision is the admin's verdict.
type Decision string

const (
	FavorClient Decision = "favorClient"
	FavorArtist Decision = "favorArtist"
)

// Role returns the party the decision favours.
func (d Decision) Role() Role {
	if d == FavorArtist {
		return RoleArtist
	}
	return RoleClient
}

func (d Decision) valid() bool {
	return d == FavorClient || d == FavorArtist
}

// Outcome records what a decision did to its target.
type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"  // target already matched the decision
	OutcomeOverridden Outcome = "overridden" // target was flipped and funds re-settled
)

// ResolutionTicket escalates a disputed ticket or upload to an admin.
type ResolutionTicket struct {
	ID                 string           `json:"id"`
	ContractID         string           `json:"contractId"`
	SubmittedBy        Role             `json:"submittedBy"`
	SubmittedByID      string           `json:"submittedById"`
	Counterparty       Role             `json:"counterparty"`
	CounterpartyID     string           `json:"counterpartyId"`
	Target             Target           `json:"target"`
	Description        string           `json:"description"`
	ProofImages        []string         `json:"proofImages"`
	CounterDescription string           `json:"counterDescription,omitempty"`
	CounterProofImages []string         `json:"counterProofImages,omitempty"`
	CounterExpiresAt   time.Time        `json:"counterExpiresAt"`
	CounterSubmittedAt *time.Time       `json:"counterSubmittedAt,omitempty"`
	Status             ResolutionStatus `json:"status"`
	Decision           Decision         `json:"decision,omitempty"`
	Outcome            Outcome          `json:"outcome,omitempty"`
	ResolutionNote     string           `json:"resolutionNote,omitempty"`
	ResolvedBy         string           `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`

	Version int64 `json:"-"`
}

// IsTerminal returns true once the ticket is resolved or cancelled.
func (r *ResolutionTicket) IsTerminal() bool {
	return r.Status == ResolutionResolved || r.Status == ResolutionCancelled
}

// IsOpen reports whether the ticket blocks another escalation of its target.
func (r *ResolutionTicket) IsOpen() bool {
	return !r.IsTerminal()
}

func (r *ResolutionTicket) clone() *ResolutionTicket {
	cp := *r
	cp.ProofImages = append([]string(nil), r.ProofImages...)
	cp.CounterProofImages = append([]string(nil), r.CounterProofImages...)
	cp.CounterSubmittedAt = cloneTime(r.CounterSubmittedAt)
	cp.ResolvedAt = cloneTime(r.ResolvedAt)
	return &cp
}

// EscalateRequest opens a resolution ticket.
type EscalateRequest struct {
	Target      Target   `json:"target"`
	Description string   `json:"description"`
	ProofImages []string `json:"proofImages"`
}

func (r *EscalateRequest) validate() error {
	if _, ok := targets[r.Target.Kind]; !ok {
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidInput, r.Target.Kind)
	}
	if r.Target.ID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	return nil
}

// CounterproofRequest is the counterparty's side of the dispute.
type CounterproofRequest struct {
	Description string   `json:"description"`
	Images      []string `json:"images"`
}

// ResolveRequest is the admin's decision.
type ResolveRequest struct {
	Decision Decision `json:"decision"`
	Note     string   `json:"note"`
}

// CancelResolutionRequest closes a dispute settled out of band.
type CancelResolutionRequest struct {
	Note string `json:"note"`
}
