// Package commission implements the contract lifecycle and dispute engine of
// the commission marketplace.
//
// A contract between a client and an artist accumulates tickets (cancel,
// revision, change) and uploads (progress, milestone, revision, final). Each
// one resolves by a party's response or by timeout. Fund-affecting outcomes
// run the payout calculator and produce a Settlement that is committed in the
// same store write as the status change, then executed against escrow.
// Disputed outcomes escalate to a ResolutionTicket that an admin decides.
package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/payout"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("not authorized for this operation")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrPolicyViolation = errors.New("contract policy does not allow this operation")
	ErrConflict        = errors.New("conflicting concurrent or duplicate operation")
	ErrWindowClosed    = errors.New("response window has closed")
	ErrInvalidInput    = errors.New("invalid input")
)

// Default windows.
const (
	DefaultTicketResponseWindow = 48 * time.Hour
	DefaultUploadReviewWindow   = 24 * time.Hour
	DefaultCounterproofWindow   = 24 * time.Hour
)

// Role is a party's side of a contract.
type Role string

const (
	RoleClient Role = "client"
	RoleArtist Role = "artist"
)

// Opposite returns the other party.
func (r Role) Opposite() Role {
	if r == RoleClient {
		return RoleArtist
	}
	return RoleClient
}

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractActive              ContractStatus = "active"
	ContractCompleted           ContractStatus = "completed"
	ContractCompletedLate       ContractStatus = "completedLate"
	ContractCancelledClient     ContractStatus = "cancelledClient"
	ContractCancelledClientLate ContractStatus = "cancelledClientLate"
	ContractCancelledArtist     ContractStatus = "cancelledArtist"
	ContractCancelledArtistLate ContractStatus = "cancelledArtistLate"
	ContractNotCompleted        ContractStatus = "notCompleted"
)

// Flow selects between a single delivery and milestone deliveries.
type Flow string

const (
	FlowStandard  Flow = "standard"
	FlowMilestone Flow = "milestone"
)

// RevisionPolicyType controls whether revisions are allowed and paid.
type RevisionPolicyType string

const (
	RevisionNone      RevisionPolicyType = "none"
	RevisionLimited   RevisionPolicyType = "limited"
	RevisionUnlimited RevisionPolicyType = "unlimited"
)

// RevisionPolicy is attached to a contract and optionally to each milestone.
type RevisionPolicy struct {
	Type          RevisionPolicyType `json:"type"`
	FreeRevisions int                `json:"freeRevisions"`
	PaidFee       money.Cents        `json:"paidFee"` // per revision beyond the free allowance
}

func (p RevisionPolicy) validate() error {
	switch p.Type {
	case RevisionNone, RevisionUnlimited:
	case RevisionLimited:
		if p.FreeRevisions < 0 {
			return fmt.Errorf("%w: freeRevisions must not be negative", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown revision policy %q", ErrInvalidInput, p.Type)
	}
	if p.PaidFee < 0 {
		return fmt.Errorf("%w: paidFee must not be negative", ErrInvalidInput)
	}
	return nil
}

// Policy holds the contract's cancellation and change rules.
type Policy struct {
	CancellationFee     payout.Fee `json:"cancellationFee"`
	LatePenaltyPercent  int        `json:"latePenaltyPercent"`
	AllowContractChange bool       `json:"allowContractChange"`
}

// MilestoneStatus tracks one milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "inProgress"
	MilestoneAccepted   MilestoneStatus = "accepted"
)

// Milestone is one paid step of a milestone-flow contract.
type Milestone struct {
	Title          string          `json:"title"`
	Percent        int             `json:"percent"`
	Status         MilestoneStatus `json:"status"`
	RevisionPolicy *RevisionPolicy `json:"revisionPolicy,omitempty"` // nil inherits the contract policy
	RevisionsUsed  int             `json:"revisionsUsed"`
	ReleasedAmount money.Cents     `json:"releasedAmount"`
	AcceptedAt     *time.Time      `json:"acceptedAt,omitempty"`
}

// Contract is an agreement between a client and an artist.
type Contract struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	ArtistID    string `json:"artistId"`
	Description string `json:"description"`
	Flow        Flow   `json:"flow"`

	BasePrice        money.Cents `json:"basePrice"`
	Fees             money.Cents `json:"fees"` // accepted paid revisions and changes
	TotalAmount      money.Cents `json:"totalAmount"`
	ReleasedToArtist money.Cents `json:"releasedToArtist"`
	RefundedToClient money.Cents `json:"refundedToClient"`

	Deadline       time.Time      `json:"deadline"`
	GracePeriodEnd time.Time      `json:"gracePeriodEnd"`
	Status         ContractStatus `json:"status"`

	Milestones            []Milestone    `json:"milestones,omitempty"`
	CurrentMilestoneIndex int            `json:"currentMilestoneIndex"`
	RevisionPolicy        RevisionPolicy `json:"revisionPolicy"`
	RevisionsUsed         int            `json:"revisionsUsed"`
	WorkPercentage        int            `json:"workPercentage"`
	Policy                Policy         `json:"policy"`

	TermsVersion int        `json:"termsVersion"` // bumped by every applied change ticket
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	// ClosingUploadID is the accepted delivery or cancellation proof that
	// settled the contract. It stays disputable after the close.
	ClosingUploadID     string      `json:"closingUploadId,omitempty"`
	ReleasedBeforeClose money.Cents `json:"releasedBeforeClose,omitempty"`

	Version int64 `json:"-"` // optimistic concurrency token
}

// IsActive reports whether the contract still accepts tickets and uploads.
func (c *Contract) IsActive() bool {
	return c.Status == ContractActive
}

// RoleOf returns the role userID plays in the contract.
func (c *Contract) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case c.ClientID:
		return RoleClient, true
	case c.ArtistID:
		return RoleArtist, true
	}
	return "", false
}

// PartyID returns the user id behind role.
func (c *Contract) PartyID(role Role) string {
	if role == RoleClient {
		return c.ClientID
	}
	return c.ArtistID
}

// Held is the amount still in escrow according to the contract's books.
func (c *Contract) Held() money.Cents {
	return c.TotalAmount - c.ReleasedToArtist - c.RefundedToClient
}

// IsLate reports whether at falls after the deadline.
func (c *Contract) IsLate(at time.Time) bool {
	return at.After(c.Deadline)
}

// revisionAllowance returns the policy and usage counter that govern a
// revision request, honouring a milestone override when one is set.
func (c *Contract) revisionAllowance(milestoneIdx *int) (RevisionPolicy, *int) {
	if milestoneIdx != nil && *milestoneIdx >= 0 && *milestoneIdx < len(c.Milestones) {
		m := &c.Milestones[*milestoneIdx]
		if m.RevisionPolicy != nil {
			return *m.RevisionPolicy, &m.RevisionsUsed
		}
	}
	return c.RevisionPolicy, &c.RevisionsUsed
}

func (c *Contract) milestonePercents() []int {
	out := make([]int, len(c.Milestones))
	for i, m := range c.Milestones {
		out[i] = m.Percent
	}
	return out
}

func (c *Contract) allMilestonesAccepted() bool {
	for _, m := range c.Milestones {
		if m.Status != MilestoneAccepted {
			return false
		}
	}
	return true
}

func (c *Contract) acceptedWorkPercent() int {
	total := 0
	for _, m := range c.Milestones {
		if m.Status == MilestoneAccepted {
			total += m.Percent
		}
	}
	return total
}

// clone returns a deep copy safe to mutate.
func (c *Contract) clone() *Contract {
	cp := *c
	if c.Milestones != nil {
		cp.Milestones = make([]Milestone, len(c.Milestones))
		for i, m := range c.Milestones {
			cp.Milestones[i] = m
			if m.RevisionPolicy != nil {
				p := *m.RevisionPolicy
				cp.Milestones[i].RevisionPolicy = &p
			}
			if m.AcceptedAt != nil {
				at := *m.AcceptedAt
				cp.Milestones[i].AcceptedAt = &at
			}
		}
	}
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		cp.ClosedAt = &at
	}
	return &cp
}

// MilestoneInput describes a milestone at creation.
type MilestoneInput struct {
	Title          string          `json:"title"`
	Percent        int             `json:"percent"`
	RevisionPolicy *RevisionPolicy `json:"revisionPolicy,omitempty"`
}

// CreateContractRequest contains the parameters for opening a contract.
// The caller becomes the client.
type CreateContractRequest struct {
	ArtistID       string           `json:"artistId" binding:"required"`
	Description    string           `json:"description"`
	Flow           Flow             `json:"flow"`
	BasePrice      money.Cents      `json:"basePrice"`
	Fees           money.Cents      `json:"fees"`
	Deadline       time.Time        `json:"deadline"`
	GracePeriod    string           `json:"gracePeriod"` // duration after the deadline, e.g. "168h"
	Milestones     []MilestoneInput `json:"milestones"`
	RevisionPolicy RevisionPolicy   `json:"revisionPolicy"`
	Policy         Policy           `json:"policy"`
}

// DefaultGracePeriod applies when a request omits gracePeriod.
const DefaultGracePeriod = 7 * 24 * time.Hour

func (r *CreateContractRequest) validate(clientID string, now time.Time) (time.Duration, error) {
	if r.ArtistID == "" || r.ArtistID == clientID {
		return 0, fmt.Errorf("%w: artistId must name another user", ErrInvalidInput)
	}
	if r.BasePrice <= 0 || r.Fees < 0 {
		return 0, fmt.Errorf("%w: basePrice must be positive and fees non-negative", ErrInvalidInput)
	}
	if r.BasePrice > money.MaxAmount || r.Fees > money.MaxAmount-r.BasePrice {
		return 0, fmt.Errorf("%w: total amount must not exceed %s", ErrInvalidInput, money.MaxAmount)
	}
	if !r.Deadline.After(now) {
		return 0, fmt.Errorf("%w: deadline must be in the future", ErrInvalidInput)
	}
	grace := DefaultGracePeriod
	if r.GracePeriod != "" {
		d, err := time.ParseDuration(r.GracePeriod)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("%w: gracePeriod must be a non-negative duration", ErrInvalidInput)
		}
		grace = d
	}
	if err := r.RevisionPolicy.validate(); err != nil {
		return 0, err
	}
	if err := r.Policy.CancellationFee.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if r.Policy.LatePenaltyPercent < 0 || r.Policy.LatePenaltyPercent > 100 {
		return 0, fmt.Errorf("%w: latePenaltyPercent must be between 0 and 100", ErrInvalidInput)
	}

	switch r.Flow {
	case FlowStandard:
		if len(r.Milestones) > 0 {
			return 0, fmt.Errorf("%w: standard flow takes no milestones", ErrInvalidInput)
		}
	case FlowMilestone:
		if len(r.Milestones) == 0 {
			return 0, fmt.Errorf("%w: milestone flow needs at least one milestone", ErrInvalidInput)
		}
		sum := 0
		for i, m := range r.Milestones {
			if m.Percent <= 0 {
				return 0, fmt.Errorf("%w: milestones[%d].percent must be positive", ErrInvalidInput, i)
			}
			if m.RevisionPolicy != nil {
				if err := m.RevisionPolicy.validate(); err != nil {
					return 0, fmt.Errorf("milestones[%d]: %w", i, err)
				}
			}
			sum += m.Percent
		}
		if sum != 100 {
			return 0, fmt.Errorf("%w: milestone percents must sum to 100, got %d", ErrInvalidInput, sum)
		}
	default:
		return 0, fmt.Errorf("%w: unknown flow %q", ErrInvalidInput, r.Flow)
	}
	return grace, nil
}
