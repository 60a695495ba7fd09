/**
 * @description
 * Redis-backed IdempotencyStore. SET NX PX is the atomic insert-if-absent:
 * of two concurrent first uses of a fresh key, exactly one SET succeeds and
 * the loser reads the winner's entry. TTL handling is native, so expired
 * keys simply disappear.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore persists idempotency entries as JSON values under
// a namespaced key.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIdempotencyStore creates a RedisIdempotencyStore with the given
// key prefix.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "payment_engine:idempotency"
	}
	return &RedisIdempotencyStore{client: client, prefix: trimmed}
}

func (s *RedisIdempotencyStore) redisKey(userID uuid.UUID, endpoint, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, userID, endpoint, key)
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// Reserve atomically inserts the entry when the key is absent.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, entry domain.IdempotencyEntry) (*domain.IdempotencyEntry, bool, error) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, false, err
	}

	k := s.redisKey(entry.UserID, entry.Endpoint, entry.Key)
	inserted, err := s.client.SetNX(ctx, k, payload, ttl).Result()
	if err != nil {
		return nil, false, classifyRedisError(err)
	}
	if inserted {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The winner's entry expired between SETNX and GET; the caller
			// retries the reservation.
			return nil, false, domain.ErrSerializationConflict
		}
		return nil, false, classifyRedisError(err)
	}
	var existing domain.IdempotencyEntry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &existing, false, nil
}

// Complete rewrites the entry with the cached response, keeping the TTL.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, endpoint, key string, responseStatus int, responseBody []byte) error {
	k := s.redisKey(userID, endpoint, key)
	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		return classifyRedisError(err)
	}
	var entry domain.IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("decode idempotency entry: %w", err)
	}
	entry.ResponseStatus = responseStatus
	entry.ResponseBody = responseBody
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = s.client.Set(ctx, k, payload, redis.KeepTTL).Err()
	return classifyRedisError(err)
}

// Release drops the reservation after a failed first attempt.
func (s *RedisIdempotencyStore) Release(ctx context.Context, userID uuid.UUID, endpoint, key string) error {
	err := s.client.Del(ctx, s.redisKey(userID, endpoint, key)).Err()
	return classifyRedisError(err)
}
