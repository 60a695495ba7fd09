/**
 * @description
 * The idempotency guard wraps every client-initiated mutation. A client
 * retry with the same key and body gets the first response back verbatim
 * without re-executing; the same key with a different body is a client bug
 * and is rejected. The race between two concurrent first uses of a fresh
 * key is resolved by the store's atomic insert-if-absent: the winner
 * executes, the loser observes the reservation and backs off.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
)

// GuardedResponse is the cached or freshly produced outcome of a guarded
// mutation.
type GuardedResponse struct {
	Status   int
	Body     []byte
	Replayed bool
}

// GuardedFunc executes the wrapped mutation and returns the response to
// cache. It runs at most once per (user, endpoint, key).
type GuardedFunc func(ctx context.Context) (status int, body []byte, err error)

// IdempotencyGuard deduplicates client-initiated mutations.
type IdempotencyGuard struct {
	store store.IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
}

// NewIdempotencyGuard creates a guard with the given entry TTL.
func NewIdempotencyGuard(s store.IdempotencyStore, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{store: s, ttl: ttl, now: time.Now}
}

// hashBody fingerprints the request body so that key reuse with a
// different intent is detectable.
func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ValidateKey rejects malformed idempotency keys before any mutation is
// attempted. Keys must be high-entropy, UUID-shaped strings.
func ValidateKey(key string) error {
	if key == "" {
		return domain.ErrMissingIdempotencyKey
	}
	if _, err := uuid.Parse(key); err != nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidIdempotencyKey, key)
	}
	return nil
}

// Execute runs fn at most once for the given key. On replay with the same
// body hash it returns the stored response; on replay with a different
// hash it fails with ErrIdempotencyKeyReuse; while the first attempt is
// still in flight a duplicate fails with ErrIdempotencyInFlight. Failed
// attempts release the reservation so the client can retry the same key.
func (g *IdempotencyGuard) Execute(ctx context.Context, userID uuid.UUID, endpoint, key string, requestBody []byte, fn GuardedFunc) (GuardedResponse, error) {
	if err := ValidateKey(key); err != nil {
		return GuardedResponse{}, err
	}

	requestHash := hashBody(requestBody)
	now := g.now().UTC()
	entry := domain.IdempotencyEntry{
		Key:         key,
		UserID:      userID,
		Endpoint:    endpoint,
		RequestHash: requestHash,
		ExpiresAt:   now.Add(g.ttl),
		CreatedAt:   now,
	}

	existing, inserted, err := g.store.Reserve(ctx, entry)
	if err != nil {
		return GuardedResponse{}, err
	}
	if !inserted {
		if existing.RequestHash != requestHash {
			return GuardedResponse{}, fmt.Errorf("%w: key %s", domain.ErrIdempotencyKeyReuse, key)
		}
		if existing.ResponseStatus == 0 {
			return GuardedResponse{}, fmt.Errorf("%w: key %s", domain.ErrIdempotencyInFlight, key)
		}
		return GuardedResponse{Status: existing.ResponseStatus, Body: existing.ResponseBody, Replayed: true}, nil
	}

	status, body, err := fn(ctx)
	if err != nil {
		if releaseErr := g.store.Release(ctx, userID, endpoint, key); releaseErr != nil {
			return GuardedResponse{}, fmt.Errorf("release idempotency reservation for key %s: %v (original error: %w)", key, releaseErr, err)
		}
		return GuardedResponse{}, err
	}

	if err := g.store.Complete(ctx, userID, endpoint, key, status, body); err != nil {
		// The mutation itself committed; surface the response. A later
		// replay re-observes the in-flight reservation instead of a cached
		// response, which is safe, just slower for the client.
		log.Printf("level=error component=idempotency msg=\"failed to store cached response\" key=%s endpoint=%s err=%v", key, endpoint, err)
	}
	return GuardedResponse{Status: status, Body: body}, nil
}
