package commission

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/atelier/internal/money"
)

// UploadKind distinguishes the four kinds of artist work product.
type UploadKind string

const (
	UploadProgressStandard  UploadKind = "progressStandard"
	UploadProgressMilestone UploadKind = "progressMilestone"
	UploadRevision          UploadKind = "revision"
	UploadFinal             UploadKind = "final"
)

// UploadStatus is the review state of an upload.
type UploadStatus string

const (
	UploadSubmitted      UploadStatus = "submitted"
	UploadAccepted       UploadStatus = "accepted"
	UploadRejected       UploadStatus = "rejected"
	UploadForcedAccepted UploadStatus = "forcedAccepted" // client stayed silent
)

// Upload is work submitted by the artist for the client's review.
type Upload struct {
	ID               string       `json:"id"`
	ContractID       string       `json:"contractId"`
	Kind             UploadKind   `json:"kind"`
	UploaderID       string       `json:"uploaderId"`
	Images           []string     `json:"images"`
	Description      string       `json:"description"`
	Status           UploadStatus `json:"status"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"` // nil for informational uploads
	IsFinal          bool         `json:"isFinal,omitempty"`   // milestone deliverable
	MilestoneIdx     *int         `json:"milestoneIdx,omitempty"`
	WorkProgress     int          `json:"workProgress,omitempty"` // final uploads only
	RevisionTicketID string       `json:"revisionTicketId,omitempty"`
	CancelTicketID   string       `json:"cancelTicketId,omitempty"`
	RejectReason     string       `json:"rejectReason,omitempty"`
	ReviewedAt       *time.Time   `json:"reviewedAt,omitempty"`
	ReleasedAmount   money.Cents  `json:"releasedAmount"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`

	Version int64 `json:"-"`
}

// IsTerminal returns true once the upload has been reviewed.
func (u *Upload) IsTerminal() bool {
	return u.Status != UploadSubmitted
}

// IsAccepted reports whether the client (or the clock) accepted the work.
func (u *Upload) IsAccepted() bool {
	return u.Status == UploadAccepted || u.Status == UploadForcedAccepted
}

// RequiresReview reports whether the upload carries a review window and
// moves funds or tickets on acceptance. Plain progress uploads do neither.
func (u *Upload) RequiresReview() bool {
	switch u.Kind {
	case UploadRevision, UploadFinal:
		return true
	case UploadProgressMilestone:
		return u.IsFinal
	}
	return false
}

// IsCompletion reports whether a final upload delivers the whole work rather
// than proving progress for a cancellation.
func (u *Upload) IsCompletion() bool {
	return u.Kind == UploadFinal && u.CancelTicketID == ""
}

// IsOpen reports whether the upload blocks another submission for the
// same milestone, revision ticket or cancel ticket.
func (u *Upload) IsOpen() bool {
	return u.Status == UploadSubmitted && u.RequiresReview()
}

// linkKey identifies what a review-bearing upload delivers against.
// At most one submitted upload may exist per (contract, kind, linkKey).
func (u *Upload) linkKey() string {
	switch u.Kind {
	case UploadProgressMilestone:
		if u.MilestoneIdx != nil {
			return "m:" + strconv.Itoa(*u.MilestoneIdx)
		}
	case UploadRevision:
		return u.RevisionTicketID
	case UploadFinal:
		if u.CancelTicketID != "" {
			return u.CancelTicketID
		}
		return "complete"
	}
	return ""
}

func (u *Upload) clone() *Upload {
	cp := *u
	cp.Images = append([]string(nil), u.Images...)
	cp.ExpiresAt = cloneTime(u.ExpiresAt)
	cp.ReviewedAt = cloneTime(u.ReviewedAt)
	if u.MilestoneIdx != nil {
		idx := *u.MilestoneIdx
		cp.MilestoneIdx = &idx
	}
	return &cp
}

// UploadRequest submits work for a contract.
type UploadRequest struct {
	Kind             UploadKind `json:"kind"`
	Images           []string   `json:"images"`
	Description      string     `json:"description"`
	IsFinal          bool       `json:"isFinal"`
	MilestoneIdx     *int       `json:"milestoneIdx,omitempty"`
	WorkProgress     int        `json:"workProgress"`
	RevisionTicketID string     `json:"revisionTicketId"`
	CancelTicketID   string     `json:"cancelTicketId"`
}

// MaxImagesPerUpload bounds the image references one upload may carry.
const MaxImagesPerUpload = 20

func (r *UploadRequest) validate() error {
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: at least one image is required", ErrInvalidInput)
	}
	if len(r.Images) > MaxImagesPerUpload {
		return fmt.Errorf("%w: at most %d images per upload", ErrInvalidInput, MaxImagesPerUpload)
	}
	for i, img := range r.Images {
		if img == "" {
			return fmt.Errorf("%w: images[%d] is empty", ErrInvalidInput, i)
		}
	}
	switch r.Kind {
	case UploadProgressStandard:
	case UploadProgressMilestone:
		if r.MilestoneIdx == nil {
			return fmt.Errorf("%w: milestoneIdx is required", ErrInvalidInput)
		}
	case UploadRevision:
		if r.RevisionTicketID == "" {
			return fmt.Errorf("%w: revisionTicketId is required", ErrInvalidInput)
		}
	case UploadFinal:
		if r.WorkProgress < 0 || r.WorkProgress > 100 {
			return fmt.Errorf("%w: workProgress must be between 0 and 100", ErrInvalidInput)
		}
		if r.WorkProgress < 100 && r.CancelTicketID == "" {
			return fmt.Errorf("%w: a partial final upload must reference its cancel ticket", ErrInvalidInput)
		}
		if r.WorkProgress == 100 && r.CancelTicketID != "" {
			return fmt.Errorf("%w: cancellation proof must report less than 100%% progress", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown upload kind %q", ErrInvalidInput, r.Kind)
	}
	return nil
}

// ReviewRequest is the client's verdict on an upload.
type ReviewRequest struct {
	Decision ResponseDecision `json:"decision"`
	Reason   string           `json:"reason"`
}
