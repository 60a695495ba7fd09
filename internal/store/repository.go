/**
 * @description
 * This file defines the persistence contracts for the engine: the ledger
 * repository (accounts + transaction records), the idempotency store and
 * the dead-letter sink. Interfaces keep the business logic independent of
 * PostgreSQL so tests can run against the in-memory implementations.
 *
 * The central primitive is ApplyTransition: one status transition bundled
 * with zero or more account balance deltas, committed as a single atomic
 * unit. Every balance mutation in the system goes through it.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
)

// AccountDelta is a signed change to one account's balances, applied as
// part of a transition. Either component may be zero.
type AccountDelta struct {
	AccountID uuid.UUID
	Balance   domain.Money
	Available domain.Money
}

// Transition bundles a TransactionRecord status change with its account
// deltas. Exactly one of Create / TransactionID identifies the record:
// initiation inserts a new record (already carrying status To), every later
// step transitions an existing one.
type Transition struct {
	// Create, when set, inserts this record instead of updating one.
	Create *domain.TransactionRecord

	TransactionID uuid.UUID
	// From lists the statuses the record may currently hold.
	From []domain.TransactionStatus
	To   domain.TransactionStatus
	// ReplaySafe makes the transition a no-op success when the record is
	// already in status To, which is what makes webhook redelivery safe.
	ReplaySafe bool

	Deltas []AccountDelta

	ExternalReference *string
	FailureReason     *string
	CompletedAt       *time.Time
	SetMetadata       map[string]string
}

// AccountRepository provides account persistence. Balance columns are only
// ever written through ApplyTransition.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

// TransactionRepository provides transaction-record persistence plus the
// atomic transition primitive.
type TransactionRepository interface {
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error)
	FindTransactionByExternalReference(ctx context.Context, providerCode, externalReference string) (*domain.TransactionRecord, error)
	// FindOverdueInitiatedTransfers returns transfers still INITIATED whose
	// confirmation window closed before now. Used by the expiry sweeper.
	FindOverdueInitiatedTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error)
	// ApplyTransition commits the transition and its deltas atomically and
	// returns the resulting record. A transient storage conflict surfaces
	// as domain.ErrSerializationConflict; retrying with the same inputs is
	// safe because an already-applied transition is a no-op.
	ApplyTransition(ctx context.Context, t Transition) (*domain.TransactionRecord, error)
}

// Repository is the full ledger contract.
type Repository interface {
	AccountRepository
	TransactionRepository
}

// IdempotencyStore persists idempotency entries. Reserve must be an atomic
// insert-if-absent: of two concurrent first uses of the same key, exactly
// one observes inserted == true.
type IdempotencyStore interface {
	// Reserve inserts entry when the key is absent (or expired) and reports
	// whether the insert happened; otherwise it returns the existing entry.
	Reserve(ctx context.Context, entry domain.IdempotencyEntry) (existing *domain.IdempotencyEntry, inserted bool, err error)
	// Complete records the response of the first successful attempt.
	Complete(ctx context.Context, userID uuid.UUID, endpoint, key string, responseStatus int, responseBody []byte) error
	// Release drops a reservation whose attempt failed, so the client can
	// retry with the same key.
	Release(ctx context.Context, userID uuid.UUID, endpoint, key string) error
}

// DeadLetterSink persists webhook events that were understood but could
// not be applied.
type DeadLetterSink interface {
	Record(ctx context.Context, letter domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}
