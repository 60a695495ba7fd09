/**
 * @description
 * This file defines the canonical, provider-agnostic projection of a raw
 * provider callback. Provider adapters turn raw bytes plus a header
 * signature into a ProviderWebhookEvent; the ingestion pipeline only ever
 * sees this shape.
 */

package domain

// WebhookEventType is the closed set of canonical event types the pipeline
// dispatches on. Adapters translate provider-native event names into these;
// anything they cannot translate is passed through verbatim and handled by
// the pipeline's acknowledge-and-log default branch.
type WebhookEventType string

const (
	EventPaymentSucceeded      WebhookEventType = "payment.succeeded"
	EventPaymentFailed         WebhookEventType = "payment.failed"
	EventPaymentProcessing     WebhookEventType = "payment.processing"
	EventPaymentActionRequired WebhookEventType = "payment.action_required"
	EventPayoutSucceeded       WebhookEventType = "payout.succeeded"
	EventPayoutFailed          WebhookEventType = "payout.failed"
	EventPayoutProcessing      WebhookEventType = "payout.processing"
)

// ProviderWebhookEvent is the canonical {type, deliveryId, data} projection
// of one provider callback. Amounts inside Data, when present, are
// decimal-integer strings like everywhere else on the wire.
type ProviderWebhookEvent struct {
	Type       WebhookEventType `json:"type"`
	DeliveryID string           `json:"delivery_id"`
	Data       WebhookEventData `json:"data"`
}

// WebhookEventData carries the correlation handles and context extracted
// from the provider payload.
type WebhookEventData struct {
	// TransactionID is the internal transaction id when the provider echoes
	// our metadata back; empty when only the external reference is known.
	TransactionID     string `json:"transaction_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Amount            string `json:"amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
}
