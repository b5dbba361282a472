package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/atelier/internal/payout"
)

// sweepBatch bounds how many rows of each kind one sweep loads.
const sweepBatch = 100

// SweepReport counts what one sweep did.
type SweepReport struct {
	Tickets     int `json:"tickets"`
	Uploads     int `json:"uploads"`
	Resolutions int `json:"resolutions"`
	Abandoned   int `json:"abandoned"`
	Settlements int `json:"settlements"`
}

// SweepExpired applies every timeout that is due now: unanswered
// tickets, unreviewed uploads, silent counterparties and contracts past
// their grace period. Settlements left pending by earlier failures are
// retried last. Each item is handled under its own contract lock and
// re-checked there, so the sweep can race party actions safely.
func (s *Service) SweepExpired(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	asOf := s.now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	report := &SweepReport{}
	var errs []error

	set, err := s.store.ListExpiredTickets(ctx, asOf, sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list expired tickets: %w", err)
	}
	for _, due := range set.Cancel {
		errs = s.sweepOne(ctx, due.ContractID, "sweep.cancel:"+due.ID, &report.Tickets, errs, func(tx *txn) (bool, error) {
			t, err := tx.cancelTicket(due.ID)
			if err != nil || t.Status != CancelPending || !tx.now.After(t.ExpiresAt) {
				return false, err
			}
			if !tx.contract.IsActive() {
				return true, tx.rejectCancel(t, voidReason)
			}
			return true, tx.expireCancel(t)
		})
	}
	for _, due := range set.Revision {
		errs = s.sweepOne(ctx, due.ContractID, "sweep.revision:"+due.ID, &report.Tickets, errs, func(tx *txn) (bool, error) {
			t, err := tx.revisionTicket(due.ID)
			if err != nil || t.Status != RevisionPending || !tx.now.After(t.ExpiresAt) {
				return false, err
			}
			if !tx.contract.IsActive() {
				return true, tx.cancelRevision(t, voidReason)
			}
			return true, tx.expireRevision(t)
		})
	}
	for _, due := range set.Change {
		errs = s.sweepOne(ctx, due.ContractID, "sweep.change:"+due.ID, &report.Tickets, errs, func(tx *txn) (bool, error) {
			t, err := tx.changeTicket(due.ID)
			if err != nil || t.Status != ChangePendingArtist || !tx.now.After(t.ExpiresAt) {
				return false, err
			}
			if !tx.contract.IsActive() {
				return true, tx.cancelChange(t, voidReason)
			}
			return true, tx.expireChange(t)
		})
	}

	uploads, err := s.store.ListExpiredUploads(ctx, asOf, sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list expired uploads: %w", err)
	}
	for _, due := range uploads {
		errs = s.sweepOne(ctx, due.ContractID, "sweep.upload:"+due.ID, &report.Uploads, errs, func(tx *txn) (bool, error) {
			u, err := tx.upload(due.ID)
			if err != nil || !u.IsOpen() || u.ExpiresAt == nil || !tx.now.After(*u.ExpiresAt) {
				return false, err
			}
			if !tx.contract.IsActive() {
				tx.rejectUpload(u, voidReason)
				return true, nil
			}
			return true, tx.expireUpload(u)
		})
	}

	lapsed, err := s.store.ListLapsedResolutions(ctx, asOf, sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list lapsed resolutions: %w", err)
	}
	for _, due := range lapsed {
		errs = s.sweepOne(ctx, due.ContractID, "sweep.resolution:"+due.ID, &report.Resolutions, errs, func(tx *txn) (bool, error) {
			r, err := tx.resolution(due.ID)
			if err != nil || r.Status != ResolutionOpen || !tx.now.After(r.CounterExpiresAt) {
				return false, err
			}
			tx.lapseResolution(r)
			return true, nil
		})
	}

	overdue, err := s.store.ListContractsPastGrace(ctx, asOf, sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list overdue contracts: %w", err)
	}
	for _, c := range overdue {
		errs = s.sweepOne(ctx, c.ID, "sweep.abandoned:"+c.ID, &report.Abandoned, errs, func(tx *txn) (bool, error) {
			return tx.abandon()
		})
	}

	applied, err := s.RetrySettlements(ctx, sweepBatch)
	report.Settlements = applied
	if err != nil {
		errs = append(errs, fmt.Errorf("retry settlements: %w", err))
	}
	return report, errors.Join(errs...)
}

// sweepOne runs fn in its own txn and commits only if fn changed something.
// Conflicts mean a party acted first and are not errors.
func (s *Service) sweepOne(ctx context.Context, contractID, source string, count *int, errs []error, fn func(tx *txn) (bool, error)) []error {
	tx, release, err := s.begin(ctx, contractID, source)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", source, err))
	}
	defer release()

	changed, err := fn(tx)
	if err == nil && changed {
		err = s.finish(tx)
	}
	switch {
	case err == nil:
		if changed {
			*count++
		}
		return errs
	case errors.Is(err, ErrConflict):
		s.logger.Debug("sweep item skipped", "source", source, "error", err)
		return errs
	}
	s.logger.Warn("sweep item failed", "source", source, "error", err)
	return append(errs, fmt.Errorf("%s: %w", source, err))
}

// abandon closes a contract whose grace period ended without delivery. The
// artist keeps what milestones already released; the client gets the rest.
// A delivery still under review is allowed to finish first.
func (tx *txn) abandon() (bool, error) {
	c := tx.contract
	if !c.IsActive() || !tx.now.After(c.GracePeriodEnd) {
		return false, nil
	}
	uploads, err := tx.contractUploads()
	if err != nil {
		return false, err
	}
	for _, u := range uploads {
		if u.IsOpen() && u.Kind == UploadFinal {
			return false, nil
		}
	}
	autoResolvedTotal.WithLabelValues("contract").Inc()
	tx.settle(payout.Abandonment(c.TotalAmount, c.ReleasedToArtist))
	return true, tx.closeContract(ContractNotCompleted)
}
