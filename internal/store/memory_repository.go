/**
 * @description
 * In-memory implementations of the Repository, IdempotencyStore and
 * DeadLetterSink, used by the test suite and by local development without a
 * database. A single mutex per store gives the same atomicity guarantees
 * the PostgreSQL implementations provide through transactions: concurrent
 * ApplyTransition calls for the same record serialize, and Reserve is a
 * true insert-if-absent.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
)

// MemoryRepository is the in-memory ledger store.
type MemoryRepository struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*domain.Account
	transactions map[uuid.UUID]*domain.TransactionRecord
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[uuid.UUID]*domain.Account),
		transactions: make(map[uuid.UUID]*domain.TransactionRecord),
	}
}

// CreateAccount stores a copy of the account.
func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

// FindAccountByID returns a copy of the account.
func (r *MemoryRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// FindTransactionByID returns a copy of the record.
func (r *MemoryRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return rec.Clone(), nil
}

// FindTransactionByExternalReference scans for a matching provider
// reference.
func (r *MemoryRepository) FindTransactionByExternalReference(ctx context.Context, providerCode, externalReference string) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.transactions {
		if rec.ProviderCode == providerCode && rec.ExternalReference == externalReference && externalReference != "" {
			return rec.Clone(), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

// FindOverdueInitiatedTransfers lists expired-but-unswept transfers,
// oldest confirmation deadline first.
func (r *MemoryRepository) FindOverdueInitiatedTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var overdue []domain.TransactionRecord
	for _, rec := range r.transactions {
		if rec.Type == domain.TypeTransfer && rec.Status == domain.StatusInitiated &&
			rec.ConfirmationExpiresAt != nil && rec.ConfirmationExpiresAt.Before(now) {
			overdue = append(overdue, *rec.Clone())
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ConfirmationExpiresAt.Before(*overdue[j].ConfirmationExpiresAt)
	})
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

// ApplyTransition applies the transition under the store mutex. Balance
// changes are staged on copies and committed only when every delta and the
// record guard pass, so a failed transition leaves no partial mutation.
func (r *MemoryRepository) ApplyTransition(ctx context.Context, t Transition) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var rec *domain.TransactionRecord

	if t.Create != nil {
		rec = t.Create.Clone()
		rec.CreatedAt = now
		rec.UpdatedAt = now
	} else {
		existing, ok := r.transactions[t.TransactionID]
		if !ok {
			return nil, domain.ErrTransactionNotFound
		}
		apply, err := resolveTransition(existing.Status, t)
		if err != nil {
			return nil, err
		}
		if !apply {
			return existing.Clone(), nil
		}
		rec = existing.Clone()
		applyRecordFields(rec, t, now)
	}

	staged := make(map[uuid.UUID]*domain.Account, len(t.Deltas))
	for _, delta := range t.Deltas {
		acc, ok := staged[delta.AccountID]
		if !ok {
			stored, found := r.accounts[delta.AccountID]
			if !found {
				return nil, domain.ErrAccountNotFound
			}
			cp := *stored
			acc = &cp
			staged[delta.AccountID] = acc
		}
		if err := applyDelta(acc, delta); err != nil {
			return nil, err
		}
		acc.UpdatedAt = now
	}

	for id, acc := range staged {
		r.accounts[id] = acc
	}
	r.transactions[rec.ID] = rec.Clone()
	return rec, nil
}

type idempotencyKey struct {
	userID   uuid.UUID
	endpoint string
	key      string
}

// MemoryIdempotencyStore is the in-memory IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[idempotencyKey]*domain.IdempotencyEntry
}

// NewMemoryIdempotencyStore creates an empty MemoryIdempotencyStore.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[idempotencyKey]*domain.IdempotencyEntry)}
}

// Reserve inserts the entry when absent or expired.
func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, entry domain.IdempotencyEntry) (*domain.IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey{userID: entry.UserID, endpoint: entry.Endpoint, key: entry.Key}
	if existing, ok := s.entries[k]; ok {
		if existing.ExpiresAt.After(time.Now()) {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := entry
	s.entries[k] = &cp
	return nil, true, nil
}

// Complete stores the cached response.
func (s *MemoryIdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, endpoint, key string, responseStatus int, responseBody []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey{userID: userID, endpoint: endpoint, key: key}
	entry, ok := s.entries[k]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	entry.ResponseStatus = responseStatus
	entry.ResponseBody = responseBody
	return nil
}

// Release drops an in-flight reservation.
func (s *MemoryIdempotencyStore) Release(ctx context.Context, userID uuid.UUID, endpoint, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idempotencyKey{userID: userID, endpoint: endpoint, key: key}
	if entry, ok := s.entries[k]; ok && entry.ResponseStatus == 0 {
		delete(s.entries, k)
	}
	return nil
}

// MemoryDeadLetterSink is the in-memory DeadLetterSink.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []domain.DeadLetter
}

// NewMemoryDeadLetterSink creates an empty MemoryDeadLetterSink.
func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{}
}

// Record appends one dead letter.
func (s *MemoryDeadLetterSink) Record(ctx context.Context, letter domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// ListDeadLetters returns the most recent letters first.
func (s *MemoryDeadLetterSink) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.letters) {
		limit = len(s.letters)
	}
	out := make([]domain.DeadLetter, 0, limit)
	for i := len(s.letters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.letters[i])
	}
	return out, nil
}
