/**
 * @description
 * This file defines the Account model, the ledger side of every money
 * movement. Accounts carry two figures: the settled balance and the
 * available balance (balance minus outstanding holds). Both are mutated
 * only by the transaction coordinator; handlers and use cases never touch
 * them directly.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus enumerates the lifecycle states of an account. Closed is
// terminal; accounts are never physically deleted.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Account is a user's ledger account.
// Invariant: AvailableBalance <= Balance, and the gap equals the sum of
// outstanding holds against the account.
type Account struct {
	ID               uuid.UUID     `json:"id"`
	OwnerUserID      uuid.UUID     `json:"owner_user_id"`
	Status           AccountStatus `json:"status"`
	Balance          Money         `json:"balance"`
	AvailableBalance Money         `json:"available_balance"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CanTransact reports whether the account may originate or receive a new
// movement. Frozen and closed accounts are rejected at initiation time.
func (a *Account) CanTransact() bool {
	return a.Status == AccountActive
}

// CheckInvariant verifies the available-vs-balance relationship after a
// mutation has been applied in memory, before it is committed.
func (a *Account) CheckInvariant() error {
	if a.Balance.IsNegative() || a.AvailableBalance.IsNegative() {
		return ErrInsufficientFunds
	}
	cmp, err := a.AvailableBalance.Cmp(a.Balance)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return ErrInvalidAccountState
	}
	return nil
}
