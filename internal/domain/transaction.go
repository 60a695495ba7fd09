/**
 * @description
 * This file defines the TransactionRecord model and its state machines.
 * One record exists per money movement (deposit, withdrawal or transfer);
 * a record is immutable once it reaches a terminal status and is never
 * deleted, as the ledger is an audit trail.
 *
 * State machines:
 *   deposit / withdrawal: PENDING -> PROCESSING -> {COMPLETED | FAILED}
 *   transfer:             INITIATED -> {CONFIRMED | CANCELLED | EXPIRED}
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType discriminates the three kinds of movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
)

// TransactionStatus is the state tag of a TransactionRecord.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusInitiated  TransactionStatus = "initiated"
	StatusConfirmed  TransactionStatus = "confirmed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusExpired    TransactionStatus = "expired"
)

// IsTerminal reports whether the status ends the record's lifecycle.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusConfirmed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// TransactionRecord is the ledger record of one money movement.
type TransactionRecord struct {
	ID                    uuid.UUID         `json:"id"`
	Type                  TransactionType   `json:"type"`
	Status                TransactionStatus `json:"status"`
	SourceAccountID       *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID  *uuid.UUID        `json:"destination_account_id,omitempty"`
	Amount                Money             `json:"amount"`
	Fee                   Money             `json:"fee"`
	ProviderCode          string            `json:"provider_code,omitempty"`
	ExternalReference     string            `json:"external_reference,omitempty"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty"`
	ConfirmationTokenHash string            `json:"-"`
	ConfirmationExpiresAt *time.Time        `json:"confirmation_expires_at,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so that in-memory stores can hand out records
// without aliasing their internal state.
func (t *TransactionRecord) Clone() *TransactionRecord {
	c := *t
	if t.SourceAccountID != nil {
		id := *t.SourceAccountID
		c.SourceAccountID = &id
	}
	if t.DestinationAccountID != nil {
		id := *t.DestinationAccountID
		c.DestinationAccountID = &id
	}
	if t.ConfirmationExpiresAt != nil {
		ts := *t.ConfirmationExpiresAt
		c.ConfirmationExpiresAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IdempotencyEntry caches the outcome of a client-initiated mutation keyed
// by (user, endpoint, client key). ResponseStatus zero marks a reservation
// whose first attempt is still in flight.
type IdempotencyEntry struct {
	Key            string    `json:"key"`
	UserID         uuid.UUID `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	RequestHash    string    `json:"request_hash"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   []byte    `json:"response_body"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeadLetter records a webhook event that was authenticated and understood
// but could not be applied, retained for manual investigation.
type DeadLetter struct {
	ID           uuid.UUID `json:"id"`
	ProviderCode string    `json:"provider_code"`
	DeliveryID   string    `json:"delivery_id"`
	EventType    string    `json:"event_type"`
	Payload      []byte    `json:"payload"`
	Reason       string    `json:"reason"`
	ReceivedAt   time.Time `json:"received_at"`
}
