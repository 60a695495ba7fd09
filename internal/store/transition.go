/**
 * @description
 * Pure transition-guard logic shared by the PostgreSQL and in-memory
 * repositories, so both enforce identical state-machine and balance rules.
 */

package store

import (
	"fmt"
	"time"

	"github.com/ledgerpay/payment-engine/internal/domain"
)

// resolveTransition decides what to do with an existing record: apply the
// transition, treat it as an idempotent replay (no-op success), or reject.
// A transition carrying SetMetadata never short-circuits: the metadata must
// land even when the record already sits at the target status. Such
// transitions carry no deltas, so re-applying them moves no money.
func resolveTransition(current domain.TransactionStatus, t Transition) (apply bool, err error) {
	if current == t.To && t.ReplaySafe && len(t.SetMetadata) == 0 {
		return false, nil
	}
	for _, from := range t.From {
		if current == from {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransactionState, current, t.To)
}

// applyDelta mutates the account copy in place and validates the result.
// The caller commits the new figures only when no error is returned.
func applyDelta(account *domain.Account, d AccountDelta) error {
	if account.Status == domain.AccountClosed {
		return fmt.Errorf("%w: account %s is closed", domain.ErrInvalidAccountState, account.ID)
	}
	balance, err := account.Balance.Add(d.Balance)
	if err != nil {
		return err
	}
	available, err := account.AvailableBalance.Add(d.Available)
	if err != nil {
		return err
	}
	account.Balance = balance
	account.AvailableBalance = available
	return account.CheckInvariant()
}

// applyRecordFields writes the transition's field updates onto the record.
func applyRecordFields(rec *domain.TransactionRecord, t Transition, now time.Time) {
	rec.Status = t.To
	if t.ExternalReference != nil {
		rec.ExternalReference = *t.ExternalReference
	}
	if t.FailureReason != nil {
		rec.FailureReason = *t.FailureReason
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		rec.CompletedAt = &ts
	}
	if len(t.SetMetadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(t.SetMetadata))
		}
		for k, v := range t.SetMetadata {
			rec.Metadata[k] = v
		}
	}
	rec.UpdatedAt = now
}
