package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
)

func newTestService(t *testing.T, depositFeeMinor int64) (*Service, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	tokens := NewConfirmationTokenService("test-secret")
	return NewService(repo, tokens, nil, "USD", depositFeeMinor, time.Hour), repo
}

func newFundedAccount(t *testing.T, repo *store.MemoryRepository, minorUnits int64) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	account := &domain.Account{
		ID:               uuid.New(),
		OwnerUserID:      uuid.New(),
		Status:           domain.AccountActive,
		Balance:          domain.NewMoney(minorUnits, "USD"),
		AvailableBalance: domain.NewMoney(minorUnits, "USD"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account.ID
}

func assertBalances(t *testing.T, repo *store.MemoryRepository, id uuid.UUID, balance, available string) {
	t.Helper()
	account, err := repo.FindAccountByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load account: %v", err)
	}
	if account.Balance.String() != balance {
		t.Fatalf("expected balance %s, got %s", balance, account.Balance.String())
	}
	if account.AvailableBalance.String() != available {
		t.Fatalf("expected available balance %s, got %s", available, account.AvailableBalance.String())
	}
}

func TestDepositLifecycleCreditsNetOnceOnly(t *testing.T) {
	svc, repo := newTestService(t, 50)
	accountID := newFundedAccount(t, repo, 0)

	rec, err := svc.InitiateDeposit(context.Background(), DepositParams{
		DestinationAccountID: accountID,
		Amount:               domain.NewMoney(2500, "USD"),
		ProviderCode:         "stripe",
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	// Nothing moves until the provider confirms.
	assertBalances(t, repo, accountID, "0", "0")

	completed, err := svc.CompleteDeposit(context.Background(), rec.ID, "prov_ref_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
	// Credit is amount minus fee.
	assertBalances(t, repo, accountID, "2450", "2450")

	// Redelivered success events must not credit twice.
	if _, err := svc.CompleteDeposit(context.Background(), rec.ID, "prov_ref_1"); err != nil {
		t.Fatalf("expected redelivery to be a no-op success, got %v", err)
	}
	assertBalances(t, repo, accountID, "2450", "2450")
}

func TestDepositTerminalStatesAreMutuallyExclusive(t *testing.T) {
	svc, repo := newTestService(t, 0)
	accountID := newFundedAccount(t, repo, 0)

	rec, err := svc.InitiateDeposit(context.Background(), DepositParams{
		DestinationAccountID: accountID,
		Amount:               domain.NewMoney(1000, "USD"),
		ProviderCode:         "stripe",
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.FailDeposit(context.Background(), rec.ID, "card declined"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A success event for a failed deposit is a conflict, not a credit.
	if _, err := svc.CompleteDeposit(context.Background(), rec.ID, "prov_ref_2"); !errors.Is(err, domain.ErrInvalidTransactionState) {
		t.Fatalf("expected ErrInvalidTransactionState, got %v", err)
	}
	assertBalances(t, repo, accountID, "0", "0")

	// Redelivered failure events stay no-ops.
	if _, err := svc.FailDeposit(context.Background(), rec.ID, "card declined"); err != nil {
		t.Fatalf("expected failure redelivery to be a no-op, got %v", err)
	}
}

func TestDepositActionRequiredSetsMetadataWhileStayingPending(t *testing.T) {
	svc, repo := newTestService(t, 0)
	accountID := newFundedAccount(t, repo, 0)

	rec, err := svc.InitiateDeposit(context.Background(), DepositParams{
		DestinationAccountID: accountID,
		Amount:               domain.NewMoney(1000, "USD"),
		ProviderCode:         "stripe",
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.MarkDepositActionRequired(context.Background(), rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reloaded, err := repo.FindTransactionByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", reloaded.Status)
	}
	if reloaded.Metadata["requires_action"] != "true" {
		t.Fatalf("expected requires_action metadata, got %v", reloaded.Metadata)
	}
	// The flag does not reserve or move funds.
	assertBalances(t, repo, accountID, "0", "0")

	// Redelivery keeps the flag and stays a success.
	if _, err := svc.MarkDepositActionRequired(context.Background(), rec.ID); err != nil {
		t.Fatalf("expected redelivery to succeed, got %v", err)
	}
	reloaded, err = repo.FindTransactionByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Metadata["requires_action"] != "true" {
		t.Fatalf("expected requires_action metadata to survive redelivery, got %v", reloaded.Metadata)
	}

	// The flagged deposit still completes normally afterwards.
	if _, err := svc.CompleteDeposit(context.Background(), rec.ID, "prov_ref_3ds"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertBalances(t, repo, accountID, "1000", "1000")
}

func TestDepositRejectsFeeAboveAmount(t *testing.T) {
	svc, repo := newTestService(t, 500)
	accountID := newFundedAccount(t, repo, 0)

	_, err := svc.InitiateDeposit(context.Background(), DepositParams{
		DestinationAccountID: accountID,
		Amount:               domain.NewMoney(100, "USD"),
		ProviderCode:         "stripe",
		IdempotencyKey:       uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount when fee exceeds amount, got %v", err)
	}
}

func TestWithdrawalDebitsAtInitiationAndRefundsOnFailure(t *testing.T) {
	svc, repo := newTestService(t, 0)
	accountID := newFundedAccount(t, repo, 5000)

	rec, err := svc.InitiateWithdrawal(context.Background(), WithdrawalParams{
		SourceAccountID: accountID,
		Amount:          domain.NewMoney(3000, "USD"),
		ProviderCode:    "stripe",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Hold-and-spend: the funds leave immediately.
	assertBalances(t, repo, accountID, "2000", "2000")

	if _, err := svc.FailWithdrawal(context.Background(), rec.ID, "payout rejected"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertBalances(t, repo, accountID, "5000", "5000")

	// A redelivered failure must not refund twice.
	if _, err := svc.FailWithdrawal(context.Background(), rec.ID, "payout rejected"); err != nil {
		t.Fatalf("expected failure redelivery to be a no-op, got %v", err)
	}
	assertBalances(t, repo, accountID, "5000", "5000")
}

func TestWithdrawalRejectsInsufficientFunds(t *testing.T) {
	svc, repo := newTestService(t, 0)
	accountID := newFundedAccount(t, repo, 1000)

	_, err := svc.InitiateWithdrawal(context.Background(), WithdrawalParams{
		SourceAccountID: accountID,
		Amount:          domain.NewMoney(1001, "USD"),
		ProviderCode:    "stripe",
		IdempotencyKey:  uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// The rejected initiation must leave no record of movement.
	assertBalances(t, repo, accountID, "1000", "1000")
}

func TestWithdrawalCompletionMovesNoFurtherFunds(t *testing.T) {
	svc, repo := newTestService(t, 0)
	accountID := newFundedAccount(t, repo, 5000)

	rec, err := svc.InitiateWithdrawal(context.Background(), WithdrawalParams{
		SourceAccountID: accountID,
		Amount:          domain.NewMoney(3000, "USD"),
		ProviderCode:    "stripe",
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.MarkWithdrawalProcessing(context.Background(), rec.ID, "payout_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	completed, err := svc.CompleteWithdrawal(context.Background(), rec.ID, "payout_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	assertBalances(t, repo, accountID, "2000", "2000")
}

// Two-party flow: the sender holds 10000 minor units, the recipient 5000,
// and 3000 moves between them through hold then confirm.
func TestTransferHoldConfirmScenario(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 10000)
	bob := newFundedAccount(t, repo, 5000)

	initiation, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(3000, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if initiation.Record.Status != domain.StatusInitiated {
		t.Fatalf("expected initiated, got %s", initiation.Record.Status)
	}
	// The hold reduces Alice's available balance only; her balance and
	// Bob's figures are untouched.
	assertBalances(t, repo, alice, "10000", "7000")
	assertBalances(t, repo, bob, "5000", "5000")

	confirmed, err := svc.ConfirmTransfer(context.Background(), initiation.Record.ID, initiation.ConfirmationToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	assertBalances(t, repo, alice, "7000", "7000")
	assertBalances(t, repo, bob, "8000", "8000")

	// Confirmation is one-shot.
	_, err = svc.ConfirmTransfer(context.Background(), initiation.Record.ID, initiation.ConfirmationToken)
	if !errors.Is(err, domain.ErrInvalidTransactionState) {
		t.Fatalf("expected ErrInvalidTransactionState on re-confirm, got %v", err)
	}
	assertBalances(t, repo, alice, "7000", "7000")
	assertBalances(t, repo, bob, "8000", "8000")
}

func TestTransferCancelReleasesHold(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 10000)
	bob := newFundedAccount(t, repo, 0)

	initiation, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(4000, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertBalances(t, repo, alice, "10000", "6000")

	cancelled, err := svc.CancelTransfer(context.Background(), initiation.Record.ID, "changed my mind")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	assertBalances(t, repo, alice, "10000", "10000")
	assertBalances(t, repo, bob, "0", "0")

	// A cancelled transfer cannot be confirmed afterwards.
	_, err = svc.ConfirmTransfer(context.Background(), initiation.Record.ID, initiation.ConfirmationToken)
	if !errors.Is(err, domain.ErrInvalidTransactionState) {
		t.Fatalf("expected ErrInvalidTransactionState, got %v", err)
	}
}

func TestTransferRejectsWrongToken(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 10000)
	bob := newFundedAccount(t, repo, 0)

	initiation, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(1000, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.ConfirmTransfer(context.Background(), initiation.Record.ID, "deadbeef")
	if !errors.Is(err, domain.ErrConfirmationTokenInvalid) {
		t.Fatalf("expected ErrConfirmationTokenInvalid, got %v", err)
	}

	// The failed confirmation leaves the transfer live and the hold in place.
	rec, err := svc.GetTransaction(context.Background(), initiation.Record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != domain.StatusInitiated {
		t.Fatalf("expected initiated, got %s", rec.Status)
	}
	assertBalances(t, repo, alice, "10000", "9000")
}

func TestTransferRejectsSameAccountAndInsufficientHold(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 1000)
	bob := newFundedAccount(t, repo, 0)

	_, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: alice,
		Amount:               domain.NewMoney(100, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrSameAccountTransfer) {
		t.Fatalf("expected ErrSameAccountTransfer, got %v", err)
	}

	_, err = svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(1001, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalances(t, repo, alice, "1000", "1000")
}

func TestTransferLazyExpiryOnLateConfirm(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 10000)
	bob := newFundedAccount(t, repo, 0)

	initiation, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(2000, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertBalances(t, repo, alice, "10000", "8000")

	// Move both clocks past the confirmation deadline.
	late := initiation.ExpiresAt.Add(time.Minute)
	svc.now = func() time.Time { return late }
	svc.tokens.now = func() time.Time { return late }

	_, err = svc.ConfirmTransfer(context.Background(), initiation.Record.ID, initiation.ConfirmationToken)
	if !errors.Is(err, domain.ErrConfirmationTokenExpired) {
		t.Fatalf("expected ErrConfirmationTokenExpired, got %v", err)
	}

	rec, err := svc.GetTransaction(context.Background(), initiation.Record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", rec.Status)
	}
	// Expiry returned the hold.
	assertBalances(t, repo, alice, "10000", "10000")
	assertBalances(t, repo, bob, "0", "0")
}

func TestExpireOverdueTransfersSweep(t *testing.T) {
	svc, repo := newTestService(t, 0)
	alice := newFundedAccount(t, repo, 10000)
	bob := newFundedAccount(t, repo, 0)

	initiation, err := svc.InitiateTransfer(context.Background(), TransferParams{
		SourceAccountID:      alice,
		DestinationAccountID: bob,
		Amount:               domain.NewMoney(2500, "USD"),
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.now = func() time.Time { return initiation.ExpiresAt.Add(time.Minute) }

	expired, err := svc.ExpireOverdueTransfers(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired transfer, got %d", expired)
	}
	assertBalances(t, repo, alice, "10000", "10000")

	// The sweep is idempotent.
	expired, err = svc.ExpireOverdueTransfers(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected nothing left to expire, got %d", expired)
	}
}

func TestFrozenAccountCannotTransact(t *testing.T) {
	svc, repo := newTestService(t, 0)
	now := time.Now().UTC()
	frozen := &domain.Account{
		ID:               uuid.New(),
		OwnerUserID:      uuid.New(),
		Status:           domain.AccountFrozen,
		Balance:          domain.NewMoney(5000, "USD"),
		AvailableBalance: domain.NewMoney(5000, "USD"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := repo.CreateAccount(context.Background(), frozen); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	_, err := svc.InitiateWithdrawal(context.Background(), WithdrawalParams{
		SourceAccountID: frozen.ID,
		Amount:          domain.NewMoney(100, "USD"),
		ProviderCode:    "stripe",
		IdempotencyKey:  uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrInvalidAccountState) {
		t.Fatalf("expected ErrInvalidAccountState, got %v", err)
	}
}
