/**
 * @description
 * PostgreSQL implementation of the ledger Repository. Amounts travel to and
 * from the database as NUMERIC rendered to text, so values of any magnitude
 * round-trip exactly. ApplyTransition runs in a serializable transaction
 * with row locks on the record and every touched account; a serialization
 * failure surfaces as the transient domain error and the caller retries.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver (pgxpool).
 * - internal/domain: models and error taxonomy.
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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ledgerpay/payment-engine/internal/domain"
)

// PostgresRepository is the production ledger store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository on the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// classifyPgError maps driver-level failures onto the domain taxonomy.
// Serialization failures and deadlocks are retryable; connection-class
// errors are transient; everything else passes through.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", domain.ErrSerializationConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
	}
	return err
}

const accountColumns = `id, owner_user_id, status, currency, balance::text, available_balance::text, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc       domain.Account
		currency  string
		balance   string
		available string
	)
	err := row.Scan(&acc.ID, &acc.OwnerUserID, &acc.Status, &currency, &balance, &available, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classifyPgError(err)
	}
	if acc.Balance, err = domain.ParseMoney(balance, currency); err != nil {
		return nil, err
	}
	if acc.AvailableBalance, err = domain.ParseMoney(available, currency); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateAccount inserts a new account row.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_user_id, status, currency, balance, available_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $7)
	`
	_, err := r.db.Exec(ctx, query,
		account.ID, account.OwnerUserID, account.Status, account.Balance.Currency,
		account.Balance.String(), account.AvailableBalance.String(), account.CreatedAt,
	)
	return classifyPgError(err)
}

// FindAccountByID retrieves one account.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, id))
}

const transactionColumns = `id, type, status, source_account_id, destination_account_id,
	amount::text, fee::text, currency, COALESCE(provider_code, ''), COALESCE(external_reference, ''),
	COALESCE(idempotency_key, ''), COALESCE(confirmation_token_hash, ''), confirmation_expires_at,
	COALESCE(failure_reason, ''), metadata, created_at, completed_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		rec      domain.TransactionRecord
		amount   string
		fee      string
		currency string
		metadata []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.Status, &rec.SourceAccountID, &rec.DestinationAccountID,
		&amount, &fee, &currency, &rec.ProviderCode, &rec.ExternalReference,
		&rec.IdempotencyKey, &rec.ConfirmationTokenHash, &rec.ConfirmationExpiresAt,
		&rec.FailureReason, &metadata, &rec.CreatedAt, &rec.CompletedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, classifyPgError(err)
	}
	if rec.Amount, err = domain.ParseMoney(amount, currency); err != nil {
		return nil, err
	}
	if rec.Fee, err = domain.ParseMoney(fee, currency); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &rec, nil
}

// FindTransactionByID retrieves one transaction record.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, id))
}

// FindTransactionByExternalReference correlates a provider callback with
// its ledger record when the callback lacks our transaction id.
func (r *PostgresRepository) FindTransactionByExternalReference(ctx context.Context, providerCode, externalReference string) (*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider_code = $1 AND external_reference = $2`
	return scanTransaction(r.db.QueryRow(ctx, query, providerCode, externalReference))
}

// FindOverdueInitiatedTransfers lists transfers whose confirmation window
// has closed, oldest first.
func (r *PostgresRepository) FindOverdueInitiatedTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = $1 AND status = $2 AND confirmation_expires_at < $3
		ORDER BY confirmation_expires_at
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, domain.TypeTransfer, domain.StatusInitiated, now, limit)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, classifyPgError(rows.Err())
}

// ApplyTransition commits one state transition plus its account deltas as
// a single serializable transaction.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, t Transition) (*domain.TransactionRecord, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var rec *domain.TransactionRecord

	if t.Create != nil {
		rec = t.Create.Clone()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if err := insertTransaction(ctx, tx, rec); err != nil {
			return nil, err
		}
	} else {
		query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
		rec, err = scanTransaction(tx.QueryRow(ctx, query, t.TransactionID))
		if err != nil {
			return nil, err
		}
		apply, err := resolveTransition(rec.Status, t)
		if err != nil {
			return nil, err
		}
		if !apply {
			// Idempotent replay: the record already carries the target
			// status, nothing to do and nothing to credit twice.
			if err := tx.Commit(ctx); err != nil {
				return nil, classifyPgError(err)
			}
			return rec, nil
		}
		applyRecordFields(rec, t, now)
		if err := updateTransaction(ctx, tx, rec); err != nil {
			return nil, err
		}
	}

	for _, delta := range t.Deltas {
		if err := applyDeltaTx(ctx, tx, delta, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return rec, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, rec *domain.TransactionRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}
	query := `
		INSERT INTO transactions (
			id, type, status, source_account_id, destination_account_id,
			amount, fee, currency, provider_code, external_reference,
			idempotency_key, confirmation_token_hash, confirmation_expires_at,
			failure_reason, metadata, created_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, NULLIF($9, ''), NULLIF($10, ''),
			NULLIF($11, ''), NULLIF($12, ''), $13, NULLIF($14, ''), $15, $16, $17, $18)
	`
	_, err = tx.Exec(ctx, query,
		rec.ID, rec.Type, rec.Status, rec.SourceAccountID, rec.DestinationAccountID,
		rec.Amount.String(), rec.Fee.String(), rec.Amount.Currency, rec.ProviderCode, rec.ExternalReference,
		rec.IdempotencyKey, rec.ConfirmationTokenHash, rec.ConfirmationExpiresAt,
		rec.FailureReason, metadata, rec.CreatedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	return classifyPgError(err)
}

func updateTransaction(ctx context.Context, tx pgx.Tx, rec *domain.TransactionRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}
	query := `
		UPDATE transactions
		SET status = $2, external_reference = NULLIF($3, ''), failure_reason = NULLIF($4, ''),
		    metadata = $5, completed_at = $6, updated_at = $7
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, query,
		rec.ID, rec.Status, rec.ExternalReference, rec.FailureReason,
		metadata, rec.CompletedAt, rec.UpdatedAt,
	)
	return classifyPgError(err)
}

func applyDeltaTx(ctx context.Context, tx pgx.Tx, delta AccountDelta, now time.Time) error {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	account, err := scanAccount(tx.QueryRow(ctx, query, delta.AccountID))
	if err != nil {
		return err
	}
	if err := applyDelta(account, delta); err != nil {
		return err
	}
	update := `UPDATE accounts SET balance = $2::numeric, available_balance = $3::numeric, updated_at = $4 WHERE id = $1`
	_, err = tx.Exec(ctx, update, account.ID, account.Balance.String(), account.AvailableBalance.String(), now)
	return classifyPgError(err)
}
