/**
 * @description
 * This file defines the structured error taxonomy shared by every layer of
 * the engine. Each failure carries a kind (validation, unauthorized,
 * conflict, not-found, transient, provider) and a stable code; the HTTP
 * layer maps kinds to status codes, the webhook pipeline maps them to its
 * retryable / terminal classification. Nothing below the API layer ever
 * inspects transport status codes.
 */

package domain

import (
	"errors"
)

// ErrorKind classifies a failure for retry and transport mapping.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindUnauthorized ErrorKind = "unauthorized"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
	KindTransient    ErrorKind = "transient"
	KindProvider     ErrorKind = "provider"
)

// DomainError is a typed failure with a stable machine-readable code.
type DomainError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is matches by code so that wrapped copies still compare with errors.Is.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newError(kind ErrorKind, code, message string) *DomainError {
	return &DomainError{Kind: kind, Code: code, Message: message}
}

var (
	// Validation
	ErrInvalidAmount         = newError(KindValidation, "invalid_amount", "invalid amount")
	ErrInvalidIdempotencyKey = newError(KindValidation, "invalid_idempotency_key", "idempotency key must be a UUID")
	ErrMissingIdempotencyKey = newError(KindValidation, "missing_idempotency_key", "Idempotency-Key header is required")
	ErrSameAccountTransfer   = newError(KindValidation, "same_account_transfer", "source and destination accounts must differ")
	ErrUnknownProvider       = newError(KindValidation, "unknown_provider", "unknown payment provider")
	ErrMalformedWebhook      = newError(KindValidation, "malformed_webhook", "webhook payload could not be parsed")

	// Authentication / authorization
	ErrWebhookSignature = newError(KindUnauthorized, "invalid_webhook_signature", "webhook signature verification failed")

	// Conflict
	ErrCurrencyMismatch         = newError(KindConflict, "currency_mismatch", "currency mismatch")
	ErrInsufficientFunds        = newError(KindConflict, "insufficient_funds", "insufficient funds")
	ErrInvalidAccountState      = newError(KindConflict, "invalid_account_state", "account is not in a usable state")
	ErrInvalidTransactionState  = newError(KindConflict, "invalid_transaction_state", "transaction is not in a state that permits this operation")
	ErrIdempotencyKeyReuse      = newError(KindConflict, "idempotency_key_reuse", "idempotency key was already used with a different request body")
	ErrIdempotencyInFlight      = newError(KindConflict, "idempotency_in_flight", "a request with this idempotency key is still being processed")
	ErrConfirmationTokenInvalid = newError(KindConflict, "confirmation_token_invalid", "confirmation token is invalid")
	ErrConfirmationTokenExpired = newError(KindConflict, "confirmation_token_expired", "confirmation token has expired")

	// Not found
	ErrAccountNotFound     = newError(KindNotFound, "account_not_found", "account not found")
	ErrTransactionNotFound = newError(KindNotFound, "transaction_not_found", "transaction not found")

	// Transient infrastructure
	ErrSerializationConflict = newError(KindTransient, "serialization_conflict", "concurrent update conflict, retry")
	ErrStorageUnavailable    = newError(KindTransient, "storage_unavailable", "storage is temporarily unavailable")

	// External provider
	ErrProviderRejected = newError(KindProvider, "provider_rejected", "payment provider rejected the operation")
)

// KindOf extracts the error kind, defaulting to transient for unclassified
// failures so that callers err on the side of retrying infrastructure
// problems rather than dead-lettering them.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsTransient reports whether the failure is safe to retry with the same
// inputs.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
