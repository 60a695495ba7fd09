/**
 * @description
 * PostgreSQL implementations of the IdempotencyStore and DeadLetterSink.
 * The idempotency Reserve relies on INSERT ... ON CONFLICT DO NOTHING so
 * that two concurrent first uses of the same fresh key are resolved by the
 * database: exactly one insert wins, the loser reads the winner's entry.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ledgerpay/payment-engine/internal/domain"
)

// PostgresIdempotencyStore persists idempotency entries in the
// idempotency_keys table.
type PostgresIdempotencyStore struct {
	db *pgxpool.Pool
}

// NewPostgresIdempotencyStore creates a PostgresIdempotencyStore.
func NewPostgresIdempotencyStore(db *pgxpool.Pool) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

// Reserve atomically inserts the entry when absent. An expired entry is
// removed first so the key becomes reusable after its TTL.
func (s *PostgresIdempotencyStore) Reserve(ctx context.Context, entry domain.IdempotencyEntry) (*domain.IdempotencyEntry, bool, error) {
	purge := `DELETE FROM idempotency_keys WHERE user_id = $1 AND endpoint = $2 AND key_id = $3 AND expires_at < $4`
	if _, err := s.db.Exec(ctx, purge, entry.UserID, entry.Endpoint, entry.Key, time.Now().UTC()); err != nil {
		return nil, false, classifyPgError(err)
	}

	insert := `
		INSERT INTO idempotency_keys (user_id, endpoint, key_id, request_hash, response_status, response_body, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, endpoint, key_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, insert,
		entry.UserID, entry.Endpoint, entry.Key, entry.RequestHash,
		entry.ResponseStatus, entry.ResponseBody, entry.ExpiresAt, entry.CreatedAt,
	)
	if err != nil {
		return nil, false, classifyPgError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	existing, err := s.find(ctx, entry.UserID, entry.Endpoint, entry.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Complete stores the cached response for later replays.
func (s *PostgresIdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, endpoint, key string, responseStatus int, responseBody []byte) error {
	query := `
		UPDATE idempotency_keys
		SET response_status = $4, response_body = $5
		WHERE user_id = $1 AND endpoint = $2 AND key_id = $3
	`
	_, err := s.db.Exec(ctx, query, userID, endpoint, key, responseStatus, responseBody)
	return classifyPgError(err)
}

// Release removes a reservation after a failed attempt.
func (s *PostgresIdempotencyStore) Release(ctx context.Context, userID uuid.UUID, endpoint, key string) error {
	query := `DELETE FROM idempotency_keys WHERE user_id = $1 AND endpoint = $2 AND key_id = $3 AND response_status = 0`
	_, err := s.db.Exec(ctx, query, userID, endpoint, key)
	return classifyPgError(err)
}

func (s *PostgresIdempotencyStore) find(ctx context.Context, userID uuid.UUID, endpoint, key string) (*domain.IdempotencyEntry, error) {
	query := `
		SELECT key_id, user_id, endpoint, request_hash, response_status, response_body, expires_at, created_at
		FROM idempotency_keys
		WHERE user_id = $1 AND endpoint = $2 AND key_id = $3
	`
	var entry domain.IdempotencyEntry
	err := s.db.QueryRow(ctx, query, userID, endpoint, key).Scan(
		&entry.Key, &entry.UserID, &entry.Endpoint, &entry.RequestHash,
		&entry.ResponseStatus, &entry.ResponseBody, &entry.ExpiresAt, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Raced with an expiry purge; treat as transient so the caller
			// retries the reservation.
			return nil, domain.ErrSerializationConflict
		}
		return nil, classifyPgError(err)
	}
	return &entry, nil
}

// PostgresDeadLetterSink persists dead letters in webhook_dead_letters.
type PostgresDeadLetterSink struct {
	db *pgxpool.Pool
}

// NewPostgresDeadLetterSink creates a PostgresDeadLetterSink.
func NewPostgresDeadLetterSink(db *pgxpool.Pool) *PostgresDeadLetterSink {
	return &PostgresDeadLetterSink{db: db}
}

// Record appends one dead letter.
func (s *PostgresDeadLetterSink) Record(ctx context.Context, letter domain.DeadLetter) error {
	query := `
		INSERT INTO webhook_dead_letters (id, provider_code, delivery_id, event_type, payload, reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		letter.ID, letter.ProviderCode, letter.DeliveryID, letter.EventType,
		letter.Payload, letter.Reason, letter.ReceivedAt,
	)
	return classifyPgError(err)
}

// ListDeadLetters returns the most recent dead letters for investigation.
func (s *PostgresDeadLetterSink) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, provider_code, delivery_id, event_type, payload, reason, received_at
		FROM webhook_dead_letters
		ORDER BY received_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var l domain.DeadLetter
		if err := rows.Scan(&l.ID, &l.ProviderCode, &l.DeliveryID, &l.EventType, &l.Payload, &l.Reason, &l.ReceivedAt); err != nil {
			return nil, classifyPgError(err)
		}
		letters = append(letters, l)
	}
	return letters, classifyPgError(rows.Err())
}
