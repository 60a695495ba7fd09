/**
 * @description
 * This file contains the webhook ingestion pipeline. Every provider
 * callback flows through the same stages: resolve the provider, verify
 * the signature against the raw bytes, parse, correlate to a transaction
 * record, apply the corresponding lifecycle transition, and classify the
 * outcome for the provider's retry machinery.
 *
 * Classification rules:
 * - Unknown provider: 400, the URL is wrong and a retry cannot fix it.
 * - Bad signature: 401, and the payload is NOT dead-lettered since its
 *   origin is unauthenticated.
 * - Malformed body: 400.
 * - Unknown event type or unresolvable correlation: 200, acknowledge and
 *   log so the provider stops redelivering.
 * - Transient apply failure (storage down, serialization conflict): 5xx
 *   so the provider retries.
 * - Terminal apply failure (business rule): 200 plus a dead letter for
 *   operator review. Retrying would fail the same way forever.
 */

package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
	"github.com/ledgerpay/payment-engine/pkg/provider"
)

// WebhookResult tells the HTTP layer what to answer the provider.
type WebhookResult struct {
	Status  int
	Message string
}

// WebhookPipeline ingests provider callbacks and applies them to the
// transaction state machine.
type WebhookPipeline struct {
	registry    *provider.Registry
	svc         *Service
	repo        store.TransactionRepository
	deadLetters store.DeadLetterSink
	now         func() time.Time
}

// NewWebhookPipeline creates the ingestion pipeline.
func NewWebhookPipeline(registry *provider.Registry, svc *Service, repo store.TransactionRepository, deadLetters store.DeadLetterSink) *WebhookPipeline {
	return &WebhookPipeline{
		registry:    registry,
		svc:         svc,
		repo:        repo,
		deadLetters: deadLetters,
		now:         time.Now,
	}
}

// Ingest runs one raw callback through the pipeline. rawBody must be the
// exact bytes read from the request, untouched by any JSON round-trip.
func (p *WebhookPipeline) Ingest(ctx context.Context, providerCode string, rawBody []byte, signature string) WebhookResult {
	gateway, ok := p.registry.Resolve(providerCode)
	if !ok {
		log.Printf("level=warn component=webhook msg=\"callback for unknown provider\" provider=%s", providerCode)
		return WebhookResult{Status: http.StatusBadRequest, Message: "unknown provider"}
	}

	if !gateway.VerifyWebhookSignature(rawBody, signature) {
		log.Printf("level=warn component=webhook msg=\"signature verification failed\" provider=%s", providerCode)
		return WebhookResult{Status: http.StatusUnauthorized, Message: "invalid signature"}
	}

	event, err := gateway.ParseWebhookEvent(rawBody)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"malformed payload\" provider=%s err=%v", providerCode, err)
		return WebhookResult{Status: http.StatusBadRequest, Message: "malformed payload"}
	}

	switch event.Type {
	case domain.EventPaymentSucceeded,
		domain.EventPaymentFailed,
		domain.EventPaymentProcessing,
		domain.EventPaymentActionRequired,
		domain.EventPayoutSucceeded,
		domain.EventPayoutFailed,
		domain.EventPayoutProcessing:
	default:
		log.Printf("level=info component=webhook msg=\"unhandled event type acknowledged\" provider=%s type=%s delivery_id=%s", providerCode, event.Type, event.DeliveryID)
		return WebhookResult{Status: http.StatusOK, Message: "event type not handled"}
	}

	rec, err := p.correlate(ctx, providerCode, event)
	if err != nil {
		if domain.IsTransient(err) {
			log.Printf("level=error component=webhook msg=\"correlation lookup failed\" provider=%s delivery_id=%s err=%v", providerCode, event.DeliveryID, err)
			return WebhookResult{Status: http.StatusServiceUnavailable, Message: "temporarily unavailable"}
		}
		log.Printf("level=warn component=webhook msg=\"event does not correlate to a transaction\" provider=%s delivery_id=%s transaction_id=%q external_reference=%q", providerCode, event.DeliveryID, event.Data.TransactionID, event.Data.ExternalReference)
		return WebhookResult{Status: http.StatusOK, Message: "no matching transaction"}
	}

	if err := p.apply(ctx, event, rec); err != nil {
		return p.classify(ctx, providerCode, rawBody, event, err)
	}
	return WebhookResult{Status: http.StatusOK, Message: "applied"}
}

// correlate finds the transaction an event refers to, preferring the
// echoed internal id over the provider's external reference.
func (p *WebhookPipeline) correlate(ctx context.Context, providerCode string, event domain.ProviderWebhookEvent) (*domain.TransactionRecord, error) {
	if event.Data.TransactionID != "" {
		id, err := uuid.Parse(event.Data.TransactionID)
		if err == nil {
			rec, err := p.repo.FindTransactionByID(ctx, id)
			if err == nil {
				return rec, nil
			}
			if domain.IsTransient(err) {
				return nil, err
			}
			// Fall through to the external reference, the id may belong
			// to another environment.
		}
	}
	if event.Data.ExternalReference != "" {
		return p.repo.FindTransactionByExternalReference(ctx, providerCode, event.Data.ExternalReference)
	}
	return nil, domain.ErrTransactionNotFound
}

// apply maps the canonical event onto the record's lifecycle entry point.
func (p *WebhookPipeline) apply(ctx context.Context, event domain.ProviderWebhookEvent, rec *domain.TransactionRecord) error {
	var err error
	switch event.Type {
	case domain.EventPaymentSucceeded:
		_, err = p.svc.CompleteDeposit(ctx, rec.ID, event.Data.ExternalReference)
	case domain.EventPaymentFailed:
		_, err = p.svc.FailDeposit(ctx, rec.ID, event.Data.Reason)
	case domain.EventPaymentProcessing:
		_, err = p.svc.MarkDepositProcessing(ctx, rec.ID, event.Data.ExternalReference)
	case domain.EventPaymentActionRequired:
		_, err = p.svc.MarkDepositActionRequired(ctx, rec.ID)
	case domain.EventPayoutSucceeded:
		_, err = p.svc.CompleteWithdrawal(ctx, rec.ID, event.Data.ExternalReference)
	case domain.EventPayoutFailed:
		_, err = p.svc.FailWithdrawal(ctx, rec.ID, event.Data.Reason)
	case domain.EventPayoutProcessing:
		_, err = p.svc.MarkWithdrawalProcessing(ctx, rec.ID, event.Data.ExternalReference)
	}
	return err
}

// classify decides whether the provider should retry a failed apply.
func (p *WebhookPipeline) classify(ctx context.Context, providerCode string, rawBody []byte, event domain.ProviderWebhookEvent, applyErr error) WebhookResult {
	if domain.IsTransient(applyErr) {
		log.Printf("level=error component=webhook msg=\"transient apply failure, provider should retry\" provider=%s delivery_id=%s err=%v", providerCode, event.DeliveryID, applyErr)
		return WebhookResult{Status: http.StatusServiceUnavailable, Message: "temporarily unavailable"}
	}

	letter := domain.DeadLetter{
		ID:           uuid.New(),
		ProviderCode: providerCode,
		DeliveryID:   event.DeliveryID,
		EventType:    string(event.Type),
		Payload:      rawBody,
		Reason:       applyErr.Error(),
		ReceivedAt:   p.now().UTC(),
	}
	if err := p.deadLetters.Record(ctx, letter); err != nil {
		log.Printf("level=error component=webhook msg=\"dead letter write failed\" provider=%s delivery_id=%s err=%v", providerCode, event.DeliveryID, err)
	} else {
		log.Printf("level=warn component=webhook msg=\"terminal apply failure dead-lettered\" provider=%s delivery_id=%s type=%s err=%v", providerCode, event.DeliveryID, event.Type, applyErr)
	}
	return WebhookResult{Status: http.StatusOK, Message: "acknowledged, not applied"}
}
