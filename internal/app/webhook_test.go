package app

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
	"github.com/ledgerpay/payment-engine/pkg/provider"
)

const webhookTestSecret = "whsec_test"

func newTestPipeline(t *testing.T) (*WebhookPipeline, *Service, *store.MemoryRepository, *store.MemoryDeadLetterSink, *provider.HMACGateway) {
	t.Helper()
	repo := store.NewMemoryRepository()
	tokens := NewConfirmationTokenService("test-secret")
	svc := NewService(repo, tokens, nil, "USD", 0, time.Hour)

	gateway := provider.NewHMACGateway("stripe", webhookTestSecret, nil)
	registry := provider.NewRegistry()
	registry.Register(gateway)

	deadLetters := store.NewMemoryDeadLetterSink()
	return NewWebhookPipeline(registry, svc, repo, deadLetters), svc, repo, deadLetters, gateway
}

func newPendingDeposit(t *testing.T, svc *Service, repo *store.MemoryRepository, minorUnits int64) *domain.TransactionRecord {
	t.Helper()
	accountID := newFundedAccount(t, repo, 0)
	rec, err := svc.InitiateDeposit(context.Background(), DepositParams{
		DestinationAccountID: accountID,
		Amount:               domain.NewMoney(minorUnits, "USD"),
		ProviderCode:         "stripe",
		IdempotencyKey:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("failed to seed deposit: %v", err)
	}
	return rec
}

func successBody(transactionID uuid.UUID, deliveryID string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"payment.succeeded","delivery_id":%q,"data":{"transaction_id":%q,"external_reference":"prov_ref"}}`,
		deliveryID, transactionID,
	))
}

func TestIngestRejectsUnknownProvider(t *testing.T) {
	pipeline, _, _, deadLetters, _ := newTestPipeline(t)

	result := pipeline.Ingest(context.Background(), "nobody", []byte(`{}`), "sig")
	if result.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", result.Status)
	}
	letters, _ := deadLetters.ListDeadLetters(context.Background(), 10)
	if len(letters) != 0 {
		t.Fatal("unknown provider callbacks must not be dead-lettered")
	}
}

func TestIngestRejectsBadSignatureWithoutDeadLetter(t *testing.T) {
	pipeline, svc, repo, deadLetters, _ := newTestPipeline(t)
	rec := newPendingDeposit(t, svc, repo, 1000)
	body := successBody(rec.ID, "evt_sig")

	result := pipeline.Ingest(context.Background(), "stripe", body, "deadbeef")
	if result.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", result.Status)
	}

	// The unauthenticated payload must leave no trace: no balance change,
	// no dead letter.
	assertBalances(t, repo, *rec.DestinationAccountID, "0", "0")
	letters, _ := deadLetters.ListDeadLetters(context.Background(), 10)
	if len(letters) != 0 {
		t.Fatal("unauthenticated callbacks must not be dead-lettered")
	}
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	pipeline, _, _, _, gateway := newTestPipeline(t)

	// A float-typed amount fails to decode at the boundary.
	body := []byte(`{"type":"payment.succeeded","delivery_id":"evt_f","data":{"amount":10.5}}`)
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for float amount, got %d", result.Status)
	}

	body = []byte(`not json`)
	result = pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", result.Status)
	}
}

func TestIngestAcknowledgesUnknownEventType(t *testing.T) {
	pipeline, _, _, deadLetters, gateway := newTestPipeline(t)

	body := []byte(`{"type":"customer.created","delivery_id":"evt_u","data":{}}`)
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200 for unknown event type, got %d", result.Status)
	}
	letters, _ := deadLetters.ListDeadLetters(context.Background(), 10)
	if len(letters) != 0 {
		t.Fatal("unknown event types are acknowledged, not dead-lettered")
	}
}

func TestIngestAcknowledgesUnresolvableCorrelation(t *testing.T) {
	pipeline, _, _, _, gateway := newTestPipeline(t)

	body := successBody(uuid.New(), "evt_x")
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200 for unresolvable correlation, got %d", result.Status)
	}
}

func TestIngestAppliesSuccessAndToleratesRedelivery(t *testing.T) {
	pipeline, svc, repo, _, gateway := newTestPipeline(t)
	rec := newPendingDeposit(t, svc, repo, 2500)
	body := successBody(rec.ID, "evt_1")
	sig := gateway.Sign(body)

	result := pipeline.Ingest(context.Background(), "stripe", body, sig)
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", result.Status, result.Message)
	}
	assertBalances(t, repo, *rec.DestinationAccountID, "2500", "2500")

	// The provider redelivers the same event; the credit must not repeat.
	result = pipeline.Ingest(context.Background(), "stripe", body, sig)
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", result.Status)
	}
	assertBalances(t, repo, *rec.DestinationAccountID, "2500", "2500")
}

func TestIngestActionRequiredFlagsDepositMetadata(t *testing.T) {
	pipeline, svc, repo, _, gateway := newTestPipeline(t)
	rec := newPendingDeposit(t, svc, repo, 1500)

	body := []byte(fmt.Sprintf(
		`{"type":"payment.action_required","delivery_id":"evt_3ds","data":{"transaction_id":%q}}`,
		rec.ID,
	))
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", result.Status, result.Message)
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
	assertBalances(t, repo, *rec.DestinationAccountID, "0", "0")
}

func TestIngestCorrelatesByExternalReference(t *testing.T) {
	pipeline, svc, repo, _, gateway := newTestPipeline(t)
	rec := newPendingDeposit(t, svc, repo, 1500)

	// The provider acknowledged processing first, attaching its reference.
	if _, err := svc.MarkDepositProcessing(context.Background(), rec.ID, "prov_ref_77"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The success callback carries only the provider's reference.
	body := []byte(`{"type":"payment.succeeded","delivery_id":"evt_ref","data":{"external_reference":"prov_ref_77"}}`)
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", result.Status, result.Message)
	}
	assertBalances(t, repo, *rec.DestinationAccountID, "1500", "1500")
}

func TestIngestDeadLettersTerminalApplyFailure(t *testing.T) {
	pipeline, svc, repo, deadLetters, gateway := newTestPipeline(t)
	rec := newPendingDeposit(t, svc, repo, 1000)

	// The deposit already failed; a late success event cannot apply.
	if _, err := svc.FailDeposit(context.Background(), rec.ID, "card declined"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := successBody(rec.ID, "evt_late")
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200 for terminal conflict, got %d", result.Status)
	}
	assertBalances(t, repo, *rec.DestinationAccountID, "0", "0")

	letters, err := deadLetters.ListDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(letters))
	}
	if letters[0].DeliveryID != "evt_late" || letters[0].ProviderCode != "stripe" {
		t.Fatalf("dead letter does not identify the event: %+v", letters[0])
	}
}

type unavailableRepoStub struct {
	store.Repository
}

func (s *unavailableRepoStub) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return nil, domain.ErrStorageUnavailable
}

func TestIngestSignalsRetryOnTransientFailure(t *testing.T) {
	gateway := provider.NewHMACGateway("stripe", webhookTestSecret, nil)
	registry := provider.NewRegistry()
	registry.Register(gateway)

	repo := &unavailableRepoStub{}
	tokens := NewConfirmationTokenService("test-secret")
	svc := NewService(repo, tokens, nil, "USD", 0, time.Hour)
	deadLetters := store.NewMemoryDeadLetterSink()
	pipeline := NewWebhookPipeline(registry, svc, repo, deadLetters)

	body := successBody(uuid.New(), "evt_down")
	result := pipeline.Ingest(context.Background(), "stripe", body, gateway.Sign(body))
	if result.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the provider retries, got %d", result.Status)
	}
	letters, _ := deadLetters.ListDeadLetters(context.Background(), 10)
	if len(letters) != 0 {
		t.Fatal("transient failures must not be dead-lettered")
	}
}
