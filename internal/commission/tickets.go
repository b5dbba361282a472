package commission

import (
	"time"

	"github.com/mbd888/atelier/internal/money"
)

// TicketKind names the three ticket families.
type TicketKind string

const (
	TicketCancel   TicketKind = "cancel"
	TicketRevision TicketKind = "revision"
	TicketChange   TicketKind = "change"
)

// ResponseDecision is a counterparty's answer to a ticket.
type ResponseDecision string

const (
	Accept ResponseDecision = "accept"
	Reject ResponseDecision = "reject"
)

func (d ResponseDecision) valid() bool {
	return d == Accept || d == Reject
}

// --- Cancel tickets ---

// CancelStatus is the state of a cancel ticket.
type CancelStatus string

const (
	CancelPending        CancelStatus = "pending"
	CancelAccepted       CancelStatus = "accepted"
	CancelRejected       CancelStatus = "rejected"
	CancelForcedAccepted CancelStatus = "forcedAccepted" // counterparty stayed silent
	CancelVoided         CancelStatus = "voided"         // accepted, but the contract closed before it settled
)

// CancelTicket asks to terminate the contract early.
type CancelTicket struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contractId"`
	RequestedBy    Role         `json:"requestedBy"`
	RequestedByID  string       `json:"requestedById"`
	Reason         string       `json:"reason"`
	Status         CancelStatus `json:"status"`
	ResponseReason string       `json:"responseReason,omitempty"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	ResolvedAt     *time.Time   `json:"resolvedAt,omitempty"`
	Finalized      bool         `json:"finalized"` // proof of progress accepted, funds settled
	FinalizedAt    *time.Time   `json:"finalizedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`

	Version int64 `json:"-"`
}

// IsTerminal returns true once the counterparty (or the clock) has answered.
func (t *CancelTicket) IsTerminal() bool {
	return t.Status != CancelPending
}

// IsAccepted reports whether the cancellation is going ahead.
func (t *CancelTicket) IsAccepted() bool {
	return t.Status == CancelAccepted || t.Status == CancelForcedAccepted
}

// IsOpen reports whether the ticket blocks a new cancel ticket: it is
// pending, or accepted and still waiting for its proof of progress.
func (t *CancelTicket) IsOpen() bool {
	return t.Status == CancelPending || (t.IsAccepted() && !t.Finalized)
}

func (t *CancelTicket) clone() *CancelTicket {
	cp := *t
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	cp.FinalizedAt = cloneTime(t.FinalizedAt)
	return &cp
}

// --- Revision tickets ---

// RevisionStatus is the state of a revision ticket.
type RevisionStatus string

const (
	RevisionPending              RevisionStatus = "pending"
	RevisionAccepted             RevisionStatus = "accepted"
	RevisionRejected             RevisionStatus = "rejected"
	RevisionPaid                 RevisionStatus = "paid"
	RevisionForcedAcceptedArtist RevisionStatus = "forcedAcceptedArtist" // artist stayed silent
	RevisionCancelled            RevisionStatus = "cancelled"
)

// RevisionTicket asks the artist to rework delivered work.
type RevisionTicket struct {
	ID               string         `json:"id"`
	ContractID       string         `json:"contractId"`
	RequestedByID    string         `json:"requestedById"`
	Description      string         `json:"description"`
	MilestoneIdx     *int           `json:"milestoneIdx,omitempty"`
	PaidFee          money.Cents    `json:"paidFee"`
	UsedFreeRevision bool           `json:"usedFreeRevision"`
	FeeHeld          bool           `json:"feeHeld"`
	Status           RevisionStatus `json:"status"`
	ResponseReason   string         `json:"responseReason,omitempty"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	ClosedAt         *time.Time     `json:"closedAt,omitempty"`
	Resolved         bool           `json:"resolved"` // revised work delivered and accepted
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`

	Version int64 `json:"-"`
}

// IsTerminal returns true once the ticket left pending.
func (t *RevisionTicket) IsTerminal() bool {
	return t.Status != RevisionPending
}

// IsAccepted reports whether the artist owes a revision.
func (t *RevisionTicket) IsAccepted() bool {
	switch t.Status {
	case RevisionAccepted, RevisionPaid, RevisionForcedAcceptedArtist:
		return true
	}
	return false
}

// IsOpen reports whether the ticket blocks a new revision ticket.
func (t *RevisionTicket) IsOpen() bool {
	return t.Status == RevisionPending || (t.IsAccepted() && !t.Resolved)
}

func (t *RevisionTicket) clone() *RevisionTicket {
	cp := *t
	if t.MilestoneIdx != nil {
		idx := *t.MilestoneIdx
		cp.MilestoneIdx = &idx
	}
	cp.ClosedAt = cloneTime(t.ClosedAt)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	return &cp
}

// --- Change tickets ---

// ChangeStatus is the state of a change ticket.
type ChangeStatus string

const (
	ChangePendingArtist  ChangeStatus = "pendingArtist"
	ChangeAccepted       ChangeStatus = "accepted"
	ChangeRejectedArtist ChangeStatus = "rejectedArtist"
	ChangePaid           ChangeStatus = "paid"
	ChangeCancelled      ChangeStatus = "cancelled"
)

// ChangeSet lists the contract terms a change ticket proposes.
type ChangeSet struct {
	Deadline    *time.Time  `json:"deadline,omitempty"`
	Description *string     `json:"description,omitempty"`
	ExtraFee    money.Cents `json:"extraFee"`
}

func (cs ChangeSet) empty() bool {
	return cs.Deadline == nil && cs.Description == nil && cs.ExtraFee == 0
}

// Terms is the part of a contract a change ticket can modify.
type Terms struct {
	Deadline       time.Time `json:"deadline"`
	GracePeriodEnd time.Time `json:"gracePeriodEnd"`
	Description    string    `json:"description"`
}

func termsOf(c *Contract) Terms {
	return Terms{Deadline: c.Deadline, GracePeriodEnd: c.GracePeriodEnd, Description: c.Description}
}

// ChangeTicket proposes new contract terms to the artist.
type ChangeTicket struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contractId"`
	RequestedByID  string       `json:"requestedById"`
	Reason         string       `json:"reason"`
	Changes        ChangeSet    `json:"changes"`
	IsPaidChange   bool         `json:"isPaidChange"`
	FeeHeld        bool         `json:"feeHeld"`
	Status         ChangeStatus `json:"status"`
	ResponseReason string       `json:"responseReason,omitempty"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	ResolvedAt     *time.Time   `json:"resolvedAt,omitempty"`
	VersionBefore  int          `json:"versionBefore,omitempty"`
	VersionAfter   int          `json:"versionAfter,omitempty"`
	Before         *Terms       `json:"before,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`

	Version int64 `json:"-"`
}

// IsTerminal returns true once the ticket left pendingArtist.
func (t *ChangeTicket) IsTerminal() bool {
	return t.Status != ChangePendingArtist
}

// IsAccepted reports whether the change was applied.
func (t *ChangeTicket) IsAccepted() bool {
	return t.Status == ChangeAccepted || t.Status == ChangePaid
}

// IsOpen reports whether the ticket blocks a new change ticket.
func (t *ChangeTicket) IsOpen() bool {
	return t.Status == ChangePendingArtist
}

func (t *ChangeTicket) clone() *ChangeTicket {
	cp := *t
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	cp.Changes.Deadline = cloneTime(t.Changes.Deadline)
	if t.Changes.Description != nil {
		d := *t.Changes.Description
		cp.Changes.Description = &d
	}
	if t.Before != nil {
		b := *t.Before
		cp.Before = &b
	}
	return &cp
}

// TicketSet groups tickets of all kinds.
type TicketSet struct {
	Cancel   []*CancelTicket   `json:"cancel"`
	Revision []*RevisionTicket `json:"revision"`
	Change   []*ChangeTicket   `json:"change"`
}

// Len returns the number of tickets in the set.
func (s *TicketSet) Len() int {
	return len(s.Cancel) + len(s.Revision) + len(s.Change)
}

// --- Requests ---

// CreateCancelRequest opens a cancel ticket.
type CreateCancelRequest struct {
	Reason string `json:"reason"`
}

// CreateRevisionRequest opens a revision ticket.
type CreateRevisionRequest struct {
	Description  string `json:"description"`
	MilestoneIdx *int   `json:"milestoneIdx,omitempty"`
}

// CreateChangeRequest opens a change ticket.
type CreateChangeRequest struct {
	Reason  string    `json:"reason"`
	Changes ChangeSet `json:"changes"`
}

// RespondRequest answers a ticket.
type RespondRequest struct {
	Decision ResponseDecision `json:"decision"`
	Reason   string           `json:"reason"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
