/**
 * @description
 * This file contains the core use cases of the payment engine: deposits,
 * withdrawals and the hold/confirm/cancel/expire transfer lifecycle. Every
 * balance effect is expressed as a coordinator transition; the webhook
 * pipeline re-enters the same completion and failure entry points defined
 * here, so client calls and provider redelivery converge on one state
 * machine.
 *
 * Fund movement rules:
 * - Deposit: no movement at initiation; completion credits destination
 *   balance and available balance by amount - fee.
 * - Withdrawal: hold-and-spend; initiation debits balance and available
 *   together, completion is bookkeeping only, failure credits back.
 * - Transfer: initiation holds (available only); confirmation spends the
 *   hold from balance and credits the destination; cancel and expiry
 *   release the hold.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
	"github.com/ledgerpay/payment-engine/pkg/rabbitmq"
)

// EventsExchange is the topic exchange lifecycle events are published to.
const EventsExchange = "ledger.events"

// Service provides the money-movement use cases.
type Service struct {
	repo        store.Repository
	coordinator *Coordinator
	tokens      *ConfirmationTokenService
	events      rabbitmq.Publisher
	currency    string
	depositFee  domain.Money
	transferTTL time.Duration
	now         func() time.Time
}

// NewService creates the engine's use-case service.
func NewService(repo store.Repository, tokens *ConfirmationTokenService, events rabbitmq.Publisher, currency string, depositFeeMinor int64, transferTTL time.Duration) *Service {
	if transferTTL <= 0 {
		transferTTL = 24 * time.Hour
	}
	return &Service{
		repo:        repo,
		coordinator: NewCoordinator(repo),
		tokens:      tokens,
		events:      events,
		currency:    currency,
		depositFee:  domain.NewMoney(depositFeeMinor, currency),
		transferTTL: transferTTL,
		now:         time.Now,
	}
}

// CreateAccount provisions a zero-balance active account for a user.
func (s *Service) CreateAccount(ctx context.Context, ownerUserID uuid.UUID) (*domain.Account, error) {
	now := s.now().UTC()
	account := &domain.Account{
		ID:               uuid.New(),
		OwnerUserID:      ownerUserID,
		Status:           domain.AccountActive,
		Balance:          domain.NewMoney(0, s.currency),
		AvailableBalance: domain.NewMoney(0, s.currency),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns one account.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, id)
}

// loadTransactableAccount fetches an account and rejects frozen or closed
// ones before any state is touched.
func (s *Service) loadTransactableAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !account.CanTransact() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrInvalidAccountState, account.ID, account.Status)
	}
	return account, nil
}

// DepositParams describes a deposit initiation.
type DepositParams struct {
	DestinationAccountID uuid.UUID
	Amount               domain.Money
	ProviderCode         string
	IdempotencyKey       string
	Metadata             map[string]string
}

// InitiateDeposit creates a PENDING deposit record. No balance moves until
// the provider confirms.
func (s *Service) InitiateDeposit(ctx context.Context, p DepositParams) (*domain.TransactionRecord, error) {
	if err := p.Amount.Validate(); err != nil {
		return nil, err
	}
	if p.Amount.IsZero() {
		return nil, fmt.Errorf("%w: zero amount", domain.ErrInvalidAmount)
	}
	account, err := s.loadTransactableAccount(ctx, p.DestinationAccountID)
	if err != nil {
		return nil, err
	}

	destID := account.ID
	rec := &domain.TransactionRecord{
		ID:                   uuid.New(),
		Type:                 domain.TypeDeposit,
		Status:               domain.StatusPending,
		DestinationAccountID: &destID,
		Amount:               p.Amount,
		Fee:                  s.depositFee,
		ProviderCode:         p.ProviderCode,
		IdempotencyKey:       p.IdempotencyKey,
		Metadata:             p.Metadata,
	}
	return s.coordinator.Apply(ctx, store.Transition{Create: rec, To: domain.StatusPending})
}

// CompleteDeposit moves a deposit to COMPLETED and credits the destination
// account by amount - fee. Redelivery against an already-COMPLETED record
// is a no-op success; a FAILED record rejects the completion.
func (s *Service) CompleteDeposit(ctx context.Context, transactionID uuid.UUID, externalReference string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeDeposit)
	if err != nil {
		return nil, err
	}
	credit, err := rec.Amount.Sub(rec.Fee)
	if err != nil {
		return nil, err
	}

	prior := rec.Status
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID:     rec.ID,
		From:              []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:                domain.StatusCompleted,
		ReplaySafe:        true,
		ExternalReference: optStr(externalReference),
		CompletedAt:       timePtr(s.now().UTC()),
		Deltas: []store.AccountDelta{{
			AccountID: *rec.DestinationAccountID,
			Balance:   credit,
			Available: credit,
		}},
	})
	if err != nil {
		return nil, err
	}
	if prior != domain.StatusCompleted {
		s.publishEvent(ctx, applied, "")
	}
	return applied, nil
}

// FailDeposit moves a deposit to FAILED. Idempotent against an already
// FAILED record; rejects a COMPLETED one.
func (s *Service) FailDeposit(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeDeposit)
	if err != nil {
		return nil, err
	}
	prior := rec.Status
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:            domain.StatusFailed,
		ReplaySafe:    true,
		FailureReason: optStr(reason),
	})
	if err != nil {
		return nil, err
	}
	if prior != domain.StatusFailed {
		s.publishEvent(ctx, applied, reason)
	}
	return applied, nil
}

// MarkDepositProcessing acknowledges the provider picked the payment up.
func (s *Service) MarkDepositProcessing(ctx context.Context, transactionID uuid.UUID, externalReference string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeDeposit)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Apply(ctx, store.Transition{
		TransactionID:     rec.ID,
		From:              []domain.TransactionStatus{domain.StatusPending},
		To:                domain.StatusProcessing,
		ReplaySafe:        true,
		ExternalReference: optStr(externalReference),
	})
}

// MarkDepositActionRequired flags a PENDING deposit as waiting on customer
// action (3-D Secure and the like) without changing the observable status.
func (s *Service) MarkDepositActionRequired(ctx context.Context, transactionID uuid.UUID) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeDeposit)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusPending},
		To:            domain.StatusPending,
		ReplaySafe:    true,
		SetMetadata:   map[string]string{"requires_action": "true"},
	})
}

// WithdrawalParams describes a withdrawal initiation.
type WithdrawalParams struct {
	SourceAccountID uuid.UUID
	Amount          domain.Money
	ProviderCode    string
	IdempotencyKey  string
}

// InitiateWithdrawal creates a PENDING withdrawal and debits the source
// account immediately (hold-and-spend: balance and available together).
func (s *Service) InitiateWithdrawal(ctx context.Context, p WithdrawalParams) (*domain.TransactionRecord, error) {
	if err := p.Amount.Validate(); err != nil {
		return nil, err
	}
	if p.Amount.IsZero() {
		return nil, fmt.Errorf("%w: zero amount", domain.ErrInvalidAmount)
	}
	account, err := s.loadTransactableAccount(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}

	sourceID := account.ID
	rec := &domain.TransactionRecord{
		ID:              uuid.New(),
		Type:            domain.TypeWithdrawal,
		Status:          domain.StatusPending,
		SourceAccountID: &sourceID,
		Amount:          p.Amount,
		Fee:             domain.NewMoney(0, p.Amount.Currency),
		ProviderCode:    p.ProviderCode,
		IdempotencyKey:  p.IdempotencyKey,
	}
	return s.coordinator.Apply(ctx, store.Transition{
		Create: rec,
		To:     domain.StatusPending,
		Deltas: []store.AccountDelta{{
			AccountID: sourceID,
			Balance:   p.Amount.Neg(),
			Available: p.Amount.Neg(),
		}},
	})
}

// CompleteWithdrawal finalizes a withdrawal. The funds left at initiation,
// so no balance changes here. Idempotent against COMPLETED.
func (s *Service) CompleteWithdrawal(ctx context.Context, transactionID uuid.UUID, externalReference string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeWithdrawal)
	if err != nil {
		return nil, err
	}
	prior := rec.Status
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID:     rec.ID,
		From:              []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:                domain.StatusCompleted,
		ReplaySafe:        true,
		ExternalReference: optStr(externalReference),
		CompletedAt:       timePtr(s.now().UTC()),
	})
	if err != nil {
		return nil, err
	}
	if prior != domain.StatusCompleted {
		s.publishEvent(ctx, applied, "")
	}
	return applied, nil
}

// FailWithdrawal reverses the initiation debit and marks the record
// FAILED. The ReplaySafe no-op guarantees a redelivered failure event can
// never credit the account twice.
func (s *Service) FailWithdrawal(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeWithdrawal)
	if err != nil {
		return nil, err
	}
	prior := rec.Status
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:            domain.StatusFailed,
		ReplaySafe:    true,
		FailureReason: optStr(reason),
		Deltas: []store.AccountDelta{{
			AccountID: *rec.SourceAccountID,
			Balance:   rec.Amount,
			Available: rec.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}
	if prior != domain.StatusFailed {
		s.publishEvent(ctx, applied, reason)
	}
	return applied, nil
}

// MarkWithdrawalProcessing acknowledges the payout is in flight.
func (s *Service) MarkWithdrawalProcessing(ctx context.Context, transactionID uuid.UUID, externalReference string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeWithdrawal)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Apply(ctx, store.Transition{
		TransactionID:     rec.ID,
		From:              []domain.TransactionStatus{domain.StatusPending},
		To:                domain.StatusProcessing,
		ReplaySafe:        true,
		ExternalReference: optStr(externalReference),
	})
}

// TransferParams describes a transfer initiation.
type TransferParams struct {
	SourceAccountID      uuid.UUID
	DestinationAccountID uuid.UUID
	Amount               domain.Money
	IdempotencyKey       string
}

// TransferInitiation carries the created record plus the one-time
// confirmation token. The token is returned to the caller and only its
// hash is persisted.
type TransferInitiation struct {
	Record            *domain.TransactionRecord
	ConfirmationToken string
	ExpiresAt         time.Time
}

// InitiateTransfer places a hold on the source account's available balance
// and issues a confirmation token. The source balance itself does not move
// until confirmation.
func (s *Service) InitiateTransfer(ctx context.Context, p TransferParams) (*TransferInitiation, error) {
	if err := p.Amount.Validate(); err != nil {
		return nil, err
	}
	if p.Amount.IsZero() {
		return nil, fmt.Errorf("%w: zero amount", domain.ErrInvalidAmount)
	}
	if p.SourceAccountID == p.DestinationAccountID {
		return nil, domain.ErrSameAccountTransfer
	}
	source, err := s.loadTransactableAccount(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadTransactableAccount(ctx, p.DestinationAccountID); err != nil {
		return nil, err
	}
	// Early funds check for a friendly error; the coordinator re-checks
	// under lock, so a concurrent spender cannot slip through.
	if cmp, err := source.AvailableBalance.Cmp(p.Amount); err != nil {
		return nil, err
	} else if cmp < 0 {
		return nil, domain.ErrInsufficientFunds
	}

	transactionID := uuid.New()
	token, expiresAt := s.tokens.Issue(transactionID, s.transferTTL)

	sourceID := p.SourceAccountID
	destID := p.DestinationAccountID
	rec := &domain.TransactionRecord{
		ID:                    transactionID,
		Type:                  domain.TypeTransfer,
		Status:                domain.StatusInitiated,
		SourceAccountID:       &sourceID,
		DestinationAccountID:  &destID,
		Amount:                p.Amount,
		Fee:                   domain.NewMoney(0, p.Amount.Currency),
		IdempotencyKey:        p.IdempotencyKey,
		ConfirmationTokenHash: HashToken(token),
		ConfirmationExpiresAt: &expiresAt,
	}
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		Create: rec,
		To:     domain.StatusInitiated,
		Deltas: []store.AccountDelta{{
			AccountID: sourceID,
			Balance:   domain.NewMoney(0, p.Amount.Currency),
			Available: p.Amount.Neg(),
		}},
	})
	if err != nil {
		return nil, err
	}
	return &TransferInitiation{Record: applied, ConfirmationToken: token, ExpiresAt: expiresAt}, nil
}

// ConfirmTransfer spends the hold: the source balance drops by the amount
// (available stays, the hold is consumed) and the destination gains both
// figures. Confirmation is a one-way door: re-confirming an already
// CONFIRMED transfer fails, it is not a replayable webhook path.
func (s *Service) ConfirmTransfer(ctx context.Context, transactionID uuid.UUID, token string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeTransfer)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusInitiated {
		return nil, fmt.Errorf("%w: transfer is %s", domain.ErrInvalidTransactionState, rec.Status)
	}
	if rec.ConfirmationExpiresAt == nil {
		return nil, domain.ErrConfirmationTokenInvalid
	}

	if err := s.tokens.Verify(rec.ID, token, *rec.ConfirmationExpiresAt); err != nil {
		if errors.Is(err, domain.ErrConfirmationTokenExpired) {
			// Lazy expiry: the first touch after the deadline moves the
			// record to EXPIRED and releases the hold.
			if _, expireErr := s.ExpireTransfer(ctx, rec.ID); expireErr != nil {
				log.Printf("level=error component=transfer msg=\"lazy expiry failed\" transaction_id=%s err=%v", rec.ID, expireErr)
			}
			return nil, domain.ErrConfirmationTokenExpired
		}
		return nil, err
	}
	if HashToken(token) != rec.ConfirmationTokenHash {
		return nil, domain.ErrConfirmationTokenInvalid
	}

	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusInitiated},
		To:            domain.StatusConfirmed,
		CompletedAt:   timePtr(s.now().UTC()),
		Deltas: []store.AccountDelta{
			{
				AccountID: *rec.SourceAccountID,
				Balance:   rec.Amount.Neg(),
				Available: domain.NewMoney(0, rec.Amount.Currency),
			},
			{
				AccountID: *rec.DestinationAccountID,
				Balance:   rec.Amount,
				Available: rec.Amount,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, applied, "")
	return applied, nil
}

// CancelTransfer releases the hold. Only legal from INITIATED.
func (s *Service) CancelTransfer(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeTransfer)
	if err != nil {
		return nil, err
	}
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusInitiated},
		To:            domain.StatusCancelled,
		FailureReason: optStr(reason),
		Deltas: []store.AccountDelta{{
			AccountID: *rec.SourceAccountID,
			Balance:   domain.NewMoney(0, rec.Amount.Currency),
			Available: rec.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, applied, reason)
	return applied, nil
}

// ExpireTransfer moves an overdue INITIATED transfer to EXPIRED and
// releases the hold. ReplaySafe because the sweeper and lazy expiry can
// race.
func (s *Service) ExpireTransfer(ctx context.Context, transactionID uuid.UUID) (*domain.TransactionRecord, error) {
	rec, err := s.expectType(ctx, transactionID, domain.TypeTransfer)
	if err != nil {
		return nil, err
	}
	prior := rec.Status
	applied, err := s.coordinator.Apply(ctx, store.Transition{
		TransactionID: rec.ID,
		From:          []domain.TransactionStatus{domain.StatusInitiated},
		To:            domain.StatusExpired,
		ReplaySafe:    true,
		FailureReason: strPtr("confirmation window elapsed"),
		Deltas: []store.AccountDelta{{
			AccountID: *rec.SourceAccountID,
			Balance:   domain.NewMoney(0, rec.Amount.Currency),
			Available: rec.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}
	if prior != domain.StatusExpired {
		s.publishEvent(ctx, applied, "confirmation window elapsed")
	}
	return applied, nil
}

// ExpireOverdueTransfers sweeps transfers whose confirmation window has
// closed. Returns how many were expired.
func (s *Service) ExpireOverdueTransfers(ctx context.Context, limit int) (int, error) {
	overdue, err := s.repo.FindOverdueInitiatedTransfers(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range overdue {
		if _, err := s.ExpireTransfer(ctx, overdue[i].ID); err != nil {
			log.Printf("level=error component=sweeper msg=\"transfer expiry failed\" transaction_id=%s err=%v", overdue[i].ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// GetTransaction returns one transaction record.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// expectType loads a record and rejects a type mismatch, so a deposit
// webhook can never complete a withdrawal record.
func (s *Service) expectType(ctx context.Context, id uuid.UUID, want domain.TransactionType) (*domain.TransactionRecord, error) {
	rec, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != want {
		return nil, fmt.Errorf("%w: transaction %s is a %s, expected %s", domain.ErrInvalidTransactionState, id, rec.Type, want)
	}
	return rec, nil
}

// publishEvent emits a lifecycle event. Failures are logged, never
// propagated: the ledger write already committed.
func (s *Service) publishEvent(ctx context.Context, rec *domain.TransactionRecord, reason string) {
	if s.events == nil {
		return
	}
	routingKey := fmt.Sprintf("transaction.%s.%s", rec.Type, rec.Status)
	event := rabbitmq.TransactionEvent{
		TransactionID: rec.ID.String(),
		Type:          string(rec.Type),
		Status:        string(rec.Status),
		Amount:        rec.Amount.String(),
		Currency:      rec.Amount.Currency,
		ProviderCode:  rec.ProviderCode,
		Reason:        reason,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.events.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=events msg=\"lifecycle event publish failed\" routing_key=%s transaction_id=%s err=%v", routingKey, rec.ID, err)
	}
}
