/**
 * @description
 * The transaction coordinator is the only writer of ledger state. Every
 * use case expresses its effect as one store.Transition (a status change
 * plus account deltas) and hands it to Apply, which commits atomically.
 * The coordinator never retries transient storage conflicts itself; the
 * caller decides, which is safe because a replayed transition that already
 * took effect resolves as a no-op.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
)

// Coordinator applies ledger transitions atomically.
type Coordinator struct {
	repo store.TransactionRepository
}

// NewCoordinator creates a Coordinator over the given repository.
func NewCoordinator(repo store.TransactionRepository) *Coordinator {
	return &Coordinator{repo: repo}
}

// Apply validates the transition shape and commits it.
func (c *Coordinator) Apply(ctx context.Context, t store.Transition) (*domain.TransactionRecord, error) {
	if t.Create == nil && t.TransactionID == uuid.Nil {
		return nil, fmt.Errorf("%w: transition names no transaction", domain.ErrInvalidTransactionState)
	}
	if t.Create != nil {
		if err := t.Create.Amount.Validate(); err != nil {
			return nil, err
		}
		if err := t.Create.Fee.Validate(); err != nil {
			return nil, err
		}
		if cmp, err := t.Create.Fee.Cmp(t.Create.Amount); err != nil {
			return nil, err
		} else if cmp > 0 {
			return nil, fmt.Errorf("%w: fee exceeds amount", domain.ErrInvalidAmount)
		}
	}
	return c.repo.ApplyTransition(ctx, t)
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

// optStr keeps the stored value when the incoming string is empty.
func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
