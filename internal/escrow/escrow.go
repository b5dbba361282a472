// Package escrow holds client funds for commission contracts.
//
// Each contract has one account with three buckets:
//  1. Hold     → client funds deposited: held += amount
//  2. Release  → artist paid out: held → released
//  3. Refund   → client paid back: held → refunded
//  4. Clawback → a release reversed by arbitration: released → held
//
// Movements that can never succeed are returned wrapped with retry.Permanent.
// Every movement carries a caller-chosen reference. Recording the same
// reference twice is a no-op, so retried settlements never double-move funds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/retry"
	"github.com/mbd888/atelier/internal/traces"
)

var (
	ErrAccountNotFound   = errors.New("escrow account not found")
	ErrInsufficientFunds = errors.New("insufficient escrowed funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Kind is the type of a fund movement.
type Kind string

const (
	KindHold     Kind = "hold"
	KindRelease  Kind = "release"
	KindRefund   Kind = "refund"
	KindClawback Kind = "clawback"
)

// Account is the escrow position of one contract.
type Account struct {
	ContractID string      `json:"contractId"`
	Held       money.Cents `json:"held"`
	Released   money.Cents `json:"released"`
	Refunded   money.Cents `json:"refunded"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Entry is one recorded movement.
type Entry struct {
	ID         string      `json:"id"`
	ContractID string      `json:"contractId"`
	Kind       Kind        `json:"kind"`
	Amount     money.Cents `json:"amount"`
	Reference  string      `json:"reference"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// apply moves amount between buckets according to kind.
func (a *Account) apply(kind Kind, amount money.Cents) error {
	switch kind {
	case KindHold:
		a.Held += amount
	case KindRelease:
		if a.Held < amount {
			return ErrInsufficientFunds
		}
		a.Held -= amount
		a.Released += amount
	case KindRefund:
		if a.Held < amount {
			return ErrInsufficientFunds
		}
		a.Held -= amount
		a.Refunded += amount
	case KindClawback:
		if a.Released < amount {
			return ErrInsufficientFunds
		}
		a.Released -= amount
		a.Held += amount
	default:
		return fmt.Errorf("unknown movement kind %q", kind)
	}
	return nil
}

// Store persists accounts and their entries.
type Store interface {
	// Record applies the entry to its account atomically. It reports
	// applied=false without error when the reference was already recorded.
	Record(ctx context.Context, entry *Entry) (applied bool, err error)
	GetAccount(ctx context.Context, contractID string) (*Account, error)
	ListEntries(ctx context.Context, contractID string, limit int) ([]*Entry, error)
}

// Service implements escrow movements.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hold deposits client funds into the contract's account.
func (s *Service) Hold(ctx context.Context, contractID string, amount money.Cents, reference string) error {
	return s.move(ctx, KindHold, contractID, amount, reference)
}

// Release pays held funds out to the artist.
func (s *Service) Release(ctx context.Context, contractID string, amount money.Cents, reference string) error {
	return s.move(ctx, KindRelease, contractID, amount, reference)
}

// Refund returns held funds to the client.
func (s *Service) Refund(ctx context.Context, contractID string, amount money.Cents, reference string) error {
	return s.move(ctx, KindRefund, contractID, amount, reference)
}

// Clawback moves previously released funds back into the held bucket.
func (s *Service) Clawback(ctx context.Context, contractID string, amount money.Cents, reference string) error {
	return s.move(ctx, KindClawback, contractID, amount, reference)
}

// Account returns the current position of a contract.
func (s *Service) Account(ctx context.Context, contractID string) (*Account, error) {
	return s.store.GetAccount(ctx, contractID)
}

// Entries returns the most recent movements of a contract, oldest first.
func (s *Service) Entries(ctx context.Context, contractID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListEntries(ctx, contractID, limit)
}

func (s *Service) move(ctx context.Context, kind Kind, contractID string, amount money.Cents, reference string) error {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(kind),
		traces.ContractID(contractID),
		traces.Reference(reference),
		attribute.Int64("amount", int64(amount)),
	)
	defer span.End()

	if amount <= 0 {
		return retry.Permanent(ErrInvalidAmount)
	}
	if contractID == "" || reference == "" {
		return fmt.Errorf("escrow %s: contract id and reference are required", kind)
	}

	entry := &Entry{
		ID:         idgen.WithPrefix("esc_"),
		ContractID: contractID,
		Kind:       kind,
		Amount:     amount,
		Reference:  reference,
		CreatedAt:  s.now(),
	}

	applied, err := s.store.Record(ctx, entry)
	if err != nil {
		movementsTotal.WithLabelValues(string(kind), "failed").Inc()
		traces.Fail(span, err)
		err = fmt.Errorf("escrow %s %s for %s: %w", kind, amount, contractID, err)
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAccountNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	if !applied {
		movementsTotal.WithLabelValues(string(kind), "duplicate").Inc()
		s.logger.Debug("escrow movement already recorded",
			"contractId", contractID, "kind", kind, "reference", reference)
		return nil
	}

	movementsTotal.WithLabelValues(string(kind), "applied").Inc()
	movementCents.WithLabelValues(string(kind)).Add(float64(amount))
	s.logger.Info("escrow movement recorded",
		"contractId", contractID, "kind", kind, "amount", amount.String(), "reference", reference)
	return nil
}
