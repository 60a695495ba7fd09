package provider

import (
	"errors"
	"testing"

	"github.com/ledgerpay/payment-engine/internal/domain"
)

func TestVerifyWebhookSignature(t *testing.T) {
	gateway := NewHMACGateway("stripe", "whsec_test", nil)
	body := []byte(`{"type":"payment.succeeded"}`)

	if !gateway.VerifyWebhookSignature(body, gateway.Sign(body)) {
		t.Fatal("expected a correct signature to verify")
	}
	if gateway.VerifyWebhookSignature(body, "") {
		t.Fatal("expected an empty signature to fail")
	}
	if gateway.VerifyWebhookSignature(body, "zz-not-hex") {
		t.Fatal("expected a non-hex signature to fail")
	}
	if gateway.VerifyWebhookSignature(body, "deadbeef") {
		t.Fatal("expected a wrong signature to fail")
	}
	// The signature covers the exact bytes; any mutation breaks it.
	if gateway.VerifyWebhookSignature(append(body, ' '), gateway.Sign(body)) {
		t.Fatal("expected a mutated body to fail verification")
	}
}

func TestParseWebhookEventTranslatesProviderNames(t *testing.T) {
	gateway := NewHMACGateway("pix", "whsec_test", map[string]domain.WebhookEventType{
		"charge.paid": domain.EventPaymentSucceeded,
	})

	event, err := gateway.ParseWebhookEvent([]byte(`{"type":"charge.paid","delivery_id":"evt_1","data":{"transaction_id":"abc"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != domain.EventPaymentSucceeded {
		t.Fatalf("expected translated event type, got %s", event.Type)
	}
	if event.DeliveryID != "evt_1" || event.Data.TransactionID != "abc" {
		t.Fatalf("unexpected event projection: %+v", event)
	}

	// Unmapped names pass through verbatim for the pipeline's default branch.
	event, err = gateway.ParseWebhookEvent([]byte(`{"type":"charge.disputed","delivery_id":"evt_2","data":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != domain.WebhookEventType("charge.disputed") {
		t.Fatalf("expected pass-through event type, got %s", event.Type)
	}
}

func TestParseWebhookEventRejectsMalformedPayloads(t *testing.T) {
	gateway := NewHMACGateway("stripe", "whsec_test", nil)

	if _, err := gateway.ParseWebhookEvent([]byte(`not json`)); !errors.Is(err, domain.ErrMalformedWebhook) {
		t.Fatalf("expected ErrMalformedWebhook, got %v", err)
	}
	if _, err := gateway.ParseWebhookEvent([]byte(`{"delivery_id":"evt_1"}`)); !errors.Is(err, domain.ErrMalformedWebhook) {
		t.Fatalf("expected ErrMalformedWebhook for missing type, got %v", err)
	}
	// Float amounts are rejected at the decode boundary.
	if _, err := gateway.ParseWebhookEvent([]byte(`{"type":"payment.succeeded","data":{"amount":10.5}}`)); !errors.Is(err, domain.ErrMalformedWebhook) {
		t.Fatalf("expected ErrMalformedWebhook for numeric amount, got %v", err)
	}
}
