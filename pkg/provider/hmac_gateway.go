/**
 * @description
 * A generic HMAC-SHA256 gateway for providers that sign callbacks with a
 * shared secret over the raw body and deliver a canonical-shaped JSON
 * payload. It doubles as the test double for the webhook pipeline.
 *
 * Event-name translation is table-driven: provider-native names map onto
 * the canonical event types, and unmapped names pass through verbatim so
 * the pipeline's default branch can acknowledge them.
 */

package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ledgerpay/payment-engine/internal/domain"
)

// HMACGateway verifies callbacks with hex(HMAC-SHA256(secret, rawBody)).
type HMACGateway struct {
	code     string
	secret   []byte
	eventMap map[string]domain.WebhookEventType
}

// NewHMACGateway creates a gateway for the given provider code and shared
// secret. eventMap may be nil when the provider already emits canonical
// event names.
func NewHMACGateway(code, secret string, eventMap map[string]domain.WebhookEventType) *HMACGateway {
	return &HMACGateway{code: code, secret: []byte(secret), eventMap: eventMap}
}

// Code returns the provider code.
func (g *HMACGateway) Code() string {
	return g.code
}

// TokenizePaymentMethod is not supported by the generic gateway.
func (g *HMACGateway) TokenizePaymentMethod(ctx context.Context, raw []byte) (string, error) {
	return "", fmt.Errorf("%w: provider %s does not tokenize through the generic gateway", domain.ErrProviderRejected, g.code)
}

// Sign computes the signature for a body, used by tests and by outbound
// calls that need to prove identity to the provider.
func (g *HMACGateway) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature recomputes the HMAC over the exact received bytes
// and compares in constant time.
func (g *HMACGateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	if len(g.secret) == 0 || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// webhookPayload is the wire shape the generic gateway accepts. Amount is
// a string on purpose: a float-typed amount fails to decode and the
// callback is rejected at the boundary.
type webhookPayload struct {
	Type       string `json:"type"`
	DeliveryID string `json:"delivery_id"`
	Data       struct {
		TransactionID     string `json:"transaction_id"`
		ExternalReference string `json:"external_reference"`
		Reason            string `json:"reason"`
		Amount            string `json:"amount"`
		Currency          string `json:"currency"`
	} `json:"data"`
}

// ParseWebhookEvent projects the raw callback into the canonical event.
func (g *HMACGateway) ParseWebhookEvent(rawBody []byte) (domain.ProviderWebhookEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return domain.ProviderWebhookEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}
	if payload.Type == "" {
		return domain.ProviderWebhookEvent{}, fmt.Errorf("%w: missing event type", domain.ErrMalformedWebhook)
	}

	eventType := domain.WebhookEventType(payload.Type)
	if g.eventMap != nil {
		if mapped, ok := g.eventMap[payload.Type]; ok {
			eventType = mapped
		}
	}

	return domain.ProviderWebhookEvent{
		Type:       eventType,
		DeliveryID: payload.DeliveryID,
		Data: domain.WebhookEventData{
			TransactionID:     payload.Data.TransactionID,
			ExternalReference: payload.Data.ExternalReference,
			Reason:            payload.Data.Reason,
			Amount:            payload.Data.Amount,
			Currency:          payload.Data.Currency,
		},
	}, nil
}
