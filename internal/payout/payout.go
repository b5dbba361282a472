// Package payout computes how a contract's escrowed total is split between
// client and artist when the contract is cancelled or completed.
//
// Every function here is pure: no I/O, no clock, integer arithmetic only.
// Each Result satisfies ArtistAmount + ClientAmount == TotalAmount with
// both shares in [0, TotalAmount].
package payout

import (
	"errors"
	"fmt"

	"github.com/mbd888/atelier/internal/money"
)

var ErrInvalidInput = errors.New("invalid payout input")

// FeeKind selects how a cancellation fee is expressed.
type FeeKind string

const (
	FeeFlat    FeeKind = "flat"    // Amount is in cents
	FeePercent FeeKind = "percent" // Amount is a whole percentage of the total
)

// Fee is the cancellation fee configured on a contract.
type Fee struct {
	Kind   FeeKind `json:"kind"`
	Amount int64   `json:"amount"`
}

// Initiator is the party that requested a cancellation.
type Initiator string

const (
	InitiatorClient Initiator = "client"
	InitiatorArtist Initiator = "artist"
)

// Result is a split of the total between the two parties.
type Result struct {
	TotalAmount  money.Cents `json:"totalAmount"`
	ArtistAmount money.Cents `json:"artistAmount"`
	ClientAmount money.Cents `json:"clientAmount"`
}

// CancellationInput carries everything the cancellation formula needs.
type CancellationInput struct {
	Total              money.Cents
	WorkProgress       int // 0-100, taken from the final proof upload
	Fee                Fee
	LatePenaltyPercent int
	IsLate             bool
	InitiatedBy        Initiator
}

// Validate checks the fee configuration.
func (f Fee) Validate() error {
	switch f.Kind {
	case FeeFlat:
		if f.Amount < 0 || money.Cents(f.Amount) > money.MaxAmount {
			return fmt.Errorf("%w: flat fee must be between 0 and %s", ErrInvalidInput, money.MaxAmount)
		}
	case FeePercent:
		if f.Amount < 0 || f.Amount > 100 {
			return fmt.Errorf("%w: percent fee must be between 0 and 100", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown fee kind %q", ErrInvalidInput, f.Kind)
	}
	return nil
}

// FeeAmount resolves the fee against a total.
func FeeAmount(total money.Cents, fee Fee) money.Cents {
	if fee.Kind == FeePercent {
		return total * money.Cents(fee.Amount) / 100
	}
	return money.Cents(fee.Amount)
}

// Cancellation splits the total for a cancelled contract.
//
// Late:     artist = progress share - late penalty [- fee when the artist cancelled]
// On time:  artist = progress share + fee (client cancelled) or - fee (artist cancelled)
//
// The artist share is clamped into [0, total] and the client receives the rest.
func Cancellation(in CancellationInput) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	total := in.Total
	fee := FeeAmount(total, in.Fee)
	progress := total.Percent(in.WorkProgress)

	var artist money.Cents
	if in.IsLate {
		artist = progress - total.Percent(in.LatePenaltyPercent)
		if in.InitiatedBy == InitiatorArtist {
			artist -= fee
		}
	} else {
		if in.InitiatedBy == InitiatorClient {
			artist = progress + fee
		} else {
			artist = progress - fee
		}
	}

	return split(total, artist), nil
}

// Completion splits the total for a completed contract: everything to the
// artist on time, total minus the late penalty when delivered late.
func Completion(total money.Cents, latePenaltyPercent int, isLate bool) (Result, error) {
	if total < 0 || total > money.MaxAmount {
		return Result{}, fmt.Errorf("%w: total must be between 0 and %s", ErrInvalidInput, money.MaxAmount)
	}
	if latePenaltyPercent < 0 || latePenaltyPercent > 100 {
		return Result{}, fmt.Errorf("%w: late penalty must be between 0 and 100", ErrInvalidInput)
	}
	artist := total
	if isLate {
		artist = total - total.Percent(latePenaltyPercent)
	}
	return split(total, artist), nil
}

// MilestoneShare returns the amount released when milestone idx is accepted.
// The last milestone receives the remainder so the shares always sum to total.
func MilestoneShare(total money.Cents, percents []int, idx int) (money.Cents, error) {
	if idx < 0 || idx >= len(percents) {
		return 0, fmt.Errorf("%w: milestone index %d out of range", ErrInvalidInput, idx)
	}
	if idx < len(percents)-1 {
		return total.Percent(percents[idx]), nil
	}
	var others money.Cents
	for _, p := range percents[:idx] {
		others += total.Percent(p)
	}
	return total - others, nil
}

// Abandonment returns the split for a contract that expired without delivery:
// the artist keeps what was already released and the client gets the rest.
func Abandonment(total, released money.Cents) Result {
	return split(total, released)
}

func split(total, artist money.Cents) Result {
	if artist < 0 {
		artist = 0
	}
	if artist > total {
		artist = total
	}
	return Result{
		TotalAmount:  total,
		ArtistAmount: artist,
		ClientAmount: total - artist,
	}
}

func validate(in CancellationInput) error {
	if in.Total < 0 || in.Total > money.MaxAmount {
		return fmt.Errorf("%w: total must be between 0 and %s", ErrInvalidInput, money.MaxAmount)
	}
	if in.WorkProgress < 0 || in.WorkProgress > 100 {
		return fmt.Errorf("%w: work progress must be between 0 and 100", ErrInvalidInput)
	}
	if in.LatePenaltyPercent < 0 || in.LatePenaltyPercent > 100 {
		return fmt.Errorf("%w: late penalty must be between 0 and 100", ErrInvalidInput)
	}
	if in.InitiatedBy != InitiatorClient && in.InitiatedBy != InitiatorArtist {
		return fmt.Errorf("%w: unknown initiator %q", ErrInvalidInput, in.InitiatedBy)
	}
	return in.Fee.Validate()
}
