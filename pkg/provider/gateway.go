/**
 * @description
 * This package defines the uniform contract every payment provider adapter
 * satisfies, plus the registry the webhook pipeline resolves adapters from.
 * Concrete wire-level clients (card networks, bank rails, wallets) live
 * outside the engine; they plug in by implementing Gateway.
 */

package provider

import (
	"context"
	"sync"

	"github.com/ledgerpay/payment-engine/internal/domain"
)

// Gateway is the provider-agnostic contract the use cases and the webhook
// pipeline call. VerifyWebhookSignature and ParseWebhookEvent both operate
// on the exact bytes received on the wire; re-serialized JSON would break
// signature checks.
type Gateway interface {
	// Code identifies the provider ("stripe", "pix", "xendit", ...).
	Code() string
	// TokenizePaymentMethod exchanges raw payment-method details for an
	// opaque provider token.
	TokenizePaymentMethod(ctx context.Context, raw []byte) (string, error)
	// VerifyWebhookSignature authenticates a callback against its raw body.
	VerifyWebhookSignature(rawBody []byte, signature string) bool
	// ParseWebhookEvent projects a raw callback into the canonical event.
	ParseWebhookEvent(rawBody []byte) (domain.ProviderWebhookEvent, error)
}

// Registry holds the configured gateways keyed by provider code.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds or replaces the gateway for its code.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Code()] = g
}

// Resolve returns the gateway for a provider code.
func (r *Registry) Resolve(code string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[code]
	return g, ok
}

// Codes lists the registered provider codes.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.gateways))
	for code := range r.gateways {
		codes = append(codes, code)
	}
	return codes
}
