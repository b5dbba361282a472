package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/retry"
	"github.com/mbd888/atelier/internal/traces"
)

// MovementKind mirrors the escrow operations a settlement can request.
type MovementKind string

const (
	MoveHold     MovementKind = "hold"
	MoveRelease  MovementKind = "release"
	MoveRefund   MovementKind = "refund"
	MoveClawback MovementKind = "clawback"
)

// Movement is one escrow operation.
type Movement struct {
	Kind   MovementKind `json:"kind"`
	Amount money.Cents  `json:"amount"`
}

// SettlementStatus tracks execution of a settlement.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementApplied SettlementStatus = "applied"
)

// Settlement is the list of fund movements implied by one transition. It is
// written in the same store mutation as the transition and executed against
// escrow afterwards; the sweep retries pending settlements.
type Settlement struct {
	ID         string           `json:"id"`
	ContractID string           `json:"contractId"`
	Source     string           `json:"source"` // e.g. "upload.accepted:up_..."
	Movements  []Movement       `json:"movements"`
	Status     SettlementStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	AppliedAt  *time.Time       `json:"appliedAt,omitempty"`

	Version int64 `json:"-"`
}

// reference is the idempotency key of movement i.
func (st *Settlement) reference(i int) string {
	return fmt.Sprintf("%s:%d", st.ID, i)
}

func (st *Settlement) clone() *Settlement {
	cp := *st
	cp.Movements = append([]Movement(nil), st.Movements...)
	cp.AppliedAt = cloneTime(st.AppliedAt)
	return &cp
}

// Escrow moves a contract's funds. Every call is idempotent by reference.
// Errors wrapped with retry.Permanent are not retried within one execution.
type Escrow interface {
	Hold(ctx context.Context, contractID string, amount money.Cents, reference string) error
	Release(ctx context.Context, contractID string, amount money.Cents, reference string) error
	Refund(ctx context.Context, contractID string, amount money.Cents, reference string) error
	Clawback(ctx context.Context, contractID string, amount money.Cents, reference string) error
}

// Settlement execution tuning.
const (
	settlementAttempts  = 3
	settlementBaseDelay = 50 * time.Millisecond
)

// executeSettlement runs every movement of st and marks it applied. On
// failure the settlement stays pending with the error recorded.
func (s *Service) executeSettlement(ctx context.Context, st *Settlement) error {
	ctx, span := traces.StartSpan(ctx, "commission.executeSettlement",
		traces.ContractID(st.ContractID),
		traces.Reference(st.ID),
	)
	defer span.End()

	var execErr error
	for i, mv := range st.Movements {
		ref := st.reference(i)
		execErr = retry.Do(ctx, settlementAttempts, settlementBaseDelay, func() error {
			return s.move(ctx, st.ContractID, mv, ref)
		})
		if execErr != nil {
			execErr = fmt.Errorf("movement %d (%s %s): %w", i, mv.Kind, mv.Amount, execErr)
			break
		}
	}

	now := s.now()
	st.Attempts++
	st.UpdatedAt = now
	if execErr != nil {
		st.LastError = execErr.Error()
		traces.Fail(span, execErr)
		settlementsTotal.WithLabelValues("failed").Inc()
	} else {
		st.Status = SettlementApplied
		st.LastError = ""
		st.AppliedAt = &now
		settlementsTotal.WithLabelValues("applied").Inc()
		for _, mv := range st.Movements {
			settlementCents.WithLabelValues(string(mv.Kind)).Add(float64(mv.Amount))
		}
	}

	if err := s.store.Apply(ctx, &Mutation{Settlements: []*Settlement{st}}); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another worker recorded the same execution; movements are idempotent.
			return execErr
		}
		return errors.Join(execErr, fmt.Errorf("record settlement %s: %w", st.ID, err))
	}
	return execErr
}

func (s *Service) move(ctx context.Context, contractID string, mv Movement, ref string) error {
	switch mv.Kind {
	case MoveHold:
		return s.escrow.Hold(ctx, contractID, mv.Amount, ref)
	case MoveRelease:
		return s.escrow.Release(ctx, contractID, mv.Amount, ref)
	case MoveRefund:
		return s.escrow.Refund(ctx, contractID, mv.Amount, ref)
	case MoveClawback:
		return s.escrow.Clawback(ctx, contractID, mv.Amount, ref)
	}
	return retry.Permanent(fmt.Errorf("unknown movement kind %q", mv.Kind))
}

// RetrySettlements re-executes settlements left pending by a failed escrow
// call. It returns the number applied.
func (s *Service) RetrySettlements(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListPendingSettlements(ctx, limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, st := range pending {
		if err := s.executeSettlement(ctx, st); err != nil {
			level := s.logger.Warn
			if st.Attempts >= MaxSettlementAttempts {
				level = s.logger.Error
			}
			level("settlement still pending",
				"settlementId", st.ID, "contractId", st.ContractID,
				"attempts", st.Attempts, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// MaxSettlementAttempts is the attempt count after which a pending
// settlement is logged at error level for operator attention.
const MaxSettlementAttempts = 10
