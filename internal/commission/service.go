package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/atelier/internal/idgen"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/money"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/syncutil"
	"github.com/mbd888/atelier/internal/traces"
)

// Windows are the response deadlines of the engine.
type Windows struct {
	TicketResponse time.Duration
	UploadReview   time.Duration
	Counterproof   time.Duration
}

// DefaultWindows returns the 48h/24h/24h production windows.
func DefaultWindows() Windows {
	return Windows{
		TicketResponse: DefaultTicketResponseWindow,
		UploadReview:   DefaultUploadReviewWindow,
		Counterproof:   DefaultCounterproofWindow,
	}
}

// Service implements the contract lifecycle.
//
// Every transition runs under a per-contract lock, stages its writes in a
// txn and commits them with one Store.Apply. Fund movements ride along as a
// Settlement in the same mutation and are executed against escrow after the
// commit.
type Service struct {
	store    Store
	escrow   Escrow
	admins   AdminDirectory
	notifier notify.Notifier
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	windows  Windows
}

// NewService creates a new commission service.
func NewService(store Store, escrow Escrow, admins AdminDirectory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		escrow:   escrow,
		admins:   admins,
		notifier: notify.Nop{},
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
		now:      defaultClock,
		windows:  DefaultWindows(),
	}
}

// defaultClock matches the microsecond precision of the postgres store.
func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// WithNotifier sets the sink for lifecycle events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithWindows overrides the response windows. Zero fields keep the default.
func (s *Service) WithWindows(w Windows) *Service {
	if w.TicketResponse > 0 {
		s.windows.TicketResponse = w.TicketResponse
	}
	if w.UploadReview > 0 {
		s.windows.UploadReview = w.UploadReview
	}
	if w.Counterproof > 0 {
		s.windows.Counterproof = w.Counterproof
	}
	return s
}

// CreateContract opens a contract with the caller as client and holds the
// total in escrow.
func (s *Service) CreateContract(ctx context.Context, callerID string, req CreateContractRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "commission.CreateContract", traces.UserID(callerID))
	defer span.End()

	if callerID == "" {
		return nil, ErrUnauthorized
	}
	now := s.now()
	grace, err := req.validate(callerID, now)
	if err != nil {
		return nil, err
	}

	c := &Contract{
		ID:             idgen.WithPrefix("ct_"),
		ClientID:       callerID,
		ArtistID:       req.ArtistID,
		Description:    req.Description,
		Flow:           req.Flow,
		BasePrice:      req.BasePrice,
		Fees:           req.Fees,
		TotalAmount:    req.BasePrice + req.Fees,
		Deadline:       req.Deadline,
		GracePeriodEnd: req.Deadline.Add(grace),
		Status:         ContractActive,
		RevisionPolicy: req.RevisionPolicy,
		Policy:         req.Policy,
		TermsVersion:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, in := range req.Milestones {
		m := Milestone{
			Title:          in.Title,
			Percent:        in.Percent,
			Status:         MilestonePending,
			RevisionPolicy: in.RevisionPolicy,
		}
		if i == 0 {
			m.Status = MilestoneInProgress
		}
		c.Milestones = append(c.Milestones, m)
	}

	tx := s.newTxn(ctx, c, "contract.created:"+c.ID)
	tx.move(MoveHold, c.TotalAmount)
	tx.emit(notify.EventContractCreated, c.ID, "totalAmount", int64(c.TotalAmount))
	if err := s.finish(tx); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("contract created",
		"contractId", c.ID, "client", c.ClientID, "artist", c.ArtistID,
		"flow", c.Flow, "total", c.TotalAmount.String())
	return c.clone(), nil
}

// ContractView is a contract with everything attached to it.
type ContractView struct {
	Contract    *Contract           `json:"contract"`
	Tickets     *TicketSet          `json:"tickets"`
	Uploads     []*Upload           `json:"uploads"`
	Resolutions []*ResolutionTicket `json:"resolutions"`
	Settlements []*Settlement       `json:"settlements"`
}

// GetContract returns a contract visible to callerID.
func (s *Service) GetContract(ctx context.Context, contractID, callerID string) (*Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, c, callerID); err != nil {
		return nil, err
	}
	return c, nil
}

// GetContractView returns the contract with its tickets, uploads,
// resolutions and settlements.
func (s *Service) GetContractView(ctx context.Context, contractID, callerID string) (*ContractView, error) {
	c, err := s.GetContract(ctx, contractID, callerID)
	if err != nil {
		return nil, err
	}
	view := &ContractView{Contract: c}
	if view.Tickets, err = s.store.ListTickets(ctx, contractID); err != nil {
		return nil, err
	}
	if view.Uploads, err = s.store.ListUploads(ctx, contractID); err != nil {
		return nil, err
	}
	if view.Resolutions, err = s.store.ListResolutions(ctx, contractID); err != nil {
		return nil, err
	}
	if view.Settlements, err = s.store.ListSettlements(ctx, contractID); err != nil {
		return nil, err
	}
	return view, nil
}

// ListContracts returns the caller's contracts, newest first.
func (s *Service) ListContracts(ctx context.Context, callerID string, limit int) ([]*Contract, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListContractsByParty(ctx, callerID, limit)
}

// CanViewContract reports whether userID is a party to the contract or an
// admin. It backs the escrow account view.
func (s *Service) CanViewContract(ctx context.Context, contractID, userID string) (bool, error) {
	_, err := s.GetContract(ctx, contractID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
		return false, nil
	}
	return false, err
}

func (s *Service) authorizeView(ctx context.Context, c *Contract, callerID string) error {
	if _, ok := c.RoleOf(callerID); ok {
		return nil
	}
	if admin, err := s.isAdmin(ctx, callerID); err != nil || admin {
		return err
	}
	return ErrUnauthorized
}

func (s *Service) isAdmin(ctx context.Context, userID string) (bool, error) {
	if s.admins == nil || userID == "" {
		return false, nil
	}
	ok, err := s.admins.IsAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("admin lookup: %w", err)
	}
	return ok, nil
}

// partyRole returns the caller's role or ErrUnauthorized.
func partyRole(c *Contract, callerID string) (Role, error) {
	role, ok := c.RoleOf(callerID)
	if !ok {
		return "", ErrUnauthorized
	}
	return role, nil
}

// begin locks the contract and loads it into a fresh txn. The returned
// release func must be called once the txn is finished.
func (s *Service) begin(ctx context.Context, contractID, source string) (*txn, func(), error) {
	unlock, err := s.locks.LockContext(ctx, "contract:"+contractID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return s.newTxn(ctx, c, source), unlock, nil
}

// finish commits tx and executes its settlement. A failed settlement stays
// pending for the sweep; the transition itself has already succeeded.
func (s *Service) finish(tx *txn) error {
	if err := tx.commit(); err != nil {
		return err
	}
	for _, e := range tx.events {
		if err := s.notifier.Notify(tx.ctx, e); err != nil {
			s.logger.Warn("notify failed", "event", e.Type, "contractId", e.ContractID, "error", err)
		}
	}
	if tx.settlement == nil {
		return nil
	}
	if err := s.executeSettlement(context.WithoutCancel(tx.ctx), tx.settlement); err != nil {
		s.logger.Error("settlement left pending",
			"settlementId", tx.settlement.ID,
			"contractId", tx.settlement.ContractID,
			"source", tx.settlement.Source,
			"error", err)
	}
	return nil
}

// chargeFee adds an accepted fee to the contract and holds it.
func (tx *txn) chargeFee(amount money.Cents) error {
	if amount <= 0 {
		return nil
	}
	if amount > money.MaxAmount-tx.contract.TotalAmount {
		return fmt.Errorf("%w: fee would take the total past %s", ErrPolicyViolation, money.MaxAmount)
	}
	tx.contract.Fees += amount
	tx.contract.TotalAmount += amount
	tx.move(MoveHold, amount)
	return nil
}

// reverseFee undoes chargeFee and returns the fee to the client.
func (tx *txn) reverseFee(amount money.Cents) {
	if amount <= 0 {
		return
	}
	tx.contract.Fees -= amount
	tx.contract.TotalAmount -= amount
	tx.move(MoveRefund, amount)
}
