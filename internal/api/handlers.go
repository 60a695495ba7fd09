/**
 * @description
 * This file contains the HTTP handlers for the payment engine's API
 * endpoints. Handlers parse incoming requests, call the appropriate
 * methods on the application service, and write the HTTP response. All
 * money amounts cross the wire as decimal-integer strings in the
 * currency's minor unit; numeric JSON amounts are rejected.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/app"
	"github.com/ledgerpay/payment-engine/internal/domain"
	"github.com/ledgerpay/payment-engine/internal/store"
)

// WebhookSignatureHeader carries the provider's HMAC signature over the
// raw request body.
const WebhookSignatureHeader = "X-Webhook-Signature"

// Handlers holds the application services the HTTP layer uses.
type Handlers struct {
	svc         *app.Service
	guard       *app.IdempotencyGuard
	pipeline    *app.WebhookPipeline
	deadLetters store.DeadLetterSink
	currency    string
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(svc *app.Service, guard *app.IdempotencyGuard, pipeline *app.WebhookPipeline, deadLetters store.DeadLetterSink, currency string) *Handlers {
	return &Handlers{svc: svc, guard: guard, pipeline: pipeline, deadLetters: deadLetters, currency: currency}
}

type accountResponse struct {
	ID               string `json:"id"`
	OwnerUserID      string `json:"owner_user_id"`
	Status           string `json:"status"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance"`
	Currency         string `json:"currency"`
	CreatedAt        string `json:"created_at"`
}

func buildAccountResponse(a *domain.Account) accountResponse {
	return accountResponse{
		ID:               a.ID.String(),
		OwnerUserID:      a.OwnerUserID.String(),
		Status:           string(a.Status),
		Balance:          a.Balance.String(),
		AvailableBalance: a.AvailableBalance.String(),
		Currency:         a.Balance.Currency,
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
	}
}

type transactionResponse struct {
	TransactionID        string  `json:"transaction_id"`
	Type                 string  `json:"type"`
	Status               string  `json:"status"`
	Amount               string  `json:"amount"`
	Fee                  string  `json:"fee"`
	Currency             string  `json:"currency"`
	SourceAccountID      *string `json:"source_account_id,omitempty"`
	DestinationAccountID *string `json:"destination_account_id,omitempty"`
	ExternalReference    string  `json:"external_reference,omitempty"`
	FailureReason        string  `json:"failure_reason,omitempty"`
	CreatedAt            string  `json:"created_at"`
	CompletedAt          *string `json:"completed_at,omitempty"`
}

func buildTransactionResponse(tx *domain.TransactionRecord) transactionResponse {
	resp := transactionResponse{
		TransactionID:     tx.ID.String(),
		Type:              string(tx.Type),
		Status:            string(tx.Status),
		Amount:            tx.Amount.String(),
		Fee:               tx.Fee.String(),
		Currency:          tx.Amount.Currency,
		ExternalReference: tx.ExternalReference,
		FailureReason:     tx.FailureReason,
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.SourceAccountID != nil {
		s := tx.SourceAccountID.String()
		resp.SourceAccountID = &s
	}
	if tx.DestinationAccountID != nil {
		s := tx.DestinationAccountID.String()
		resp.DestinationAccountID = &s
	}
	if tx.CompletedAt != nil {
		s := tx.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

type transferInitiationResponse struct {
	transactionResponse
	ConfirmationToken     string `json:"confirmation_token"`
	ConfirmationExpiresAt string `json:"confirmation_expires_at"`
}

// CreateAccountHandler provisions a wallet account for the caller.
func (h *Handlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	account, err := h.svc.CreateAccount(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "create_account", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_account outcome=created account_id=%s user_id=%s", account.ID, userID)
	h.writeJSON(w, http.StatusCreated, buildAccountResponse(account))
}

// GetAccountHandler returns one account by id.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}
	account, err := h.svc.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, "get_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(account))
}

// GetTransactionHandler returns one transaction record by id.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}
	tx, err := h.svc.GetTransaction(r.Context(), txID)
	if err != nil {
		h.writeDomainError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

type depositRequest struct {
	AccountID    string            `json:"account_id"`
	Amount       string            `json:"amount"`
	Currency     string            `json:"currency,omitempty"`
	ProviderCode string            `json:"provider_code"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DepositHandler initiates a deposit, guarded by the idempotency key.
func (h *Handlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.guarded(w, r, "deposits", func(body []byte, key string) (int, interface{}, error) {
		var req depositRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, badRequest("Invalid request body", err)
		}
		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			return 0, nil, badRequest("Invalid account ID format", err)
		}
		amount, err := domain.ParseMoney(req.Amount, h.resolveCurrency(req.Currency))
		if err != nil {
			return 0, nil, err
		}
		tx, err := h.svc.InitiateDeposit(r.Context(), app.DepositParams{
			DestinationAccountID: accountID,
			Amount:               amount,
			ProviderCode:         req.ProviderCode,
			IdempotencyKey:       key,
			Metadata:             req.Metadata,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, buildTransactionResponse(tx), nil
	})
}

type withdrawalRequest struct {
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	ProviderCode string `json:"provider_code"`
}

// WithdrawalHandler initiates a withdrawal, guarded by the idempotency key.
func (h *Handlers) WithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.guarded(w, r, "withdrawals", func(body []byte, key string) (int, interface{}, error) {
		var req withdrawalRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, badRequest("Invalid request body", err)
		}
		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			return 0, nil, badRequest("Invalid account ID format", err)
		}
		amount, err := domain.ParseMoney(req.Amount, h.resolveCurrency(req.Currency))
		if err != nil {
			return 0, nil, err
		}
		tx, err := h.svc.InitiateWithdrawal(r.Context(), app.WithdrawalParams{
			SourceAccountID: accountID,
			Amount:          amount,
			ProviderCode:    req.ProviderCode,
			IdempotencyKey:  key,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, buildTransactionResponse(tx), nil
	})
}

type transferRequest struct {
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency,omitempty"`
}

// TransferHandler initiates a held transfer and returns the one-time
// confirmation token alongside the record.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	h.guarded(w, r, "transfers", func(body []byte, key string) (int, interface{}, error) {
		var req transferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, badRequest("Invalid request body", err)
		}
		sourceID, err := uuid.Parse(req.SourceAccountID)
		if err != nil {
			return 0, nil, badRequest("Invalid source account ID format", err)
		}
		destID, err := uuid.Parse(req.DestinationAccountID)
		if err != nil {
			return 0, nil, badRequest("Invalid destination account ID format", err)
		}
		amount, err := domain.ParseMoney(req.Amount, h.resolveCurrency(req.Currency))
		if err != nil {
			return 0, nil, err
		}
		initiation, err := h.svc.InitiateTransfer(r.Context(), app.TransferParams{
			SourceAccountID:      sourceID,
			DestinationAccountID: destID,
			Amount:               amount,
			IdempotencyKey:       key,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, transferInitiationResponse{
			transactionResponse:   buildTransactionResponse(initiation.Record),
			ConfirmationToken:     initiation.ConfirmationToken,
			ConfirmationExpiresAt: initiation.ExpiresAt.Format(time.RFC3339),
		}, nil
	})
}

type confirmTransferRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

// ConfirmTransferHandler confirms a held transfer with its token. Not
// idempotency-guarded: confirmation is a one-shot state transition and a
// repeat fails with a conflict from the state machine itself.
func (h *Handlers) ConfirmTransferHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}
	var req confirmTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := h.svc.ConfirmTransfer(r.Context(), txID, req.ConfirmationToken)
	if err != nil {
		h.writeDomainError(w, "confirm_transfer", err)
		return
	}
	log.Printf("level=info component=api endpoint=confirm_transfer outcome=confirmed transaction_id=%s", tx.ID)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

type cancelTransferRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelTransferHandler cancels a held transfer and releases the hold.
func (h *Handlers) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}
	var req cancelTransferRequest
	if r.Body != nil {
		// Body is optional for cancellation.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by sender"
	}
	tx, err := h.svc.CancelTransfer(r.Context(), txID, reason)
	if err != nil {
		h.writeDomainError(w, "cancel_transfer", err)
		return
	}
	log.Printf("level=info component=api endpoint=cancel_transfer outcome=cancelled transaction_id=%s", tx.ID)
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// WebhookHandler feeds a provider callback into the ingestion pipeline.
// The body is read raw and passed through untouched so signature checks
// operate on the exact bytes the provider signed.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	providerCode := chi.URLParam(r, "provider")
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}
	signature := r.Header.Get(WebhookSignatureHeader)

	result := h.pipeline.Ingest(r.Context(), providerCode, rawBody, signature)
	h.writeJSON(w, result.Status, map[string]string{"message": result.Message})
}

// ListDeadLettersHandler exposes dead-lettered webhook events for
// operator review.
func (h *Handlers) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	letters, err := h.deadLetters.ListDeadLetters(r.Context(), 100)
	if err != nil {
		h.writeDomainError(w, "list_dead_letters", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": letters})
}

// guarded wraps a mutation handler with the idempotency guard, keyed by
// (authenticated user, endpoint, Idempotency-Key header).
func (h *Handlers) guarded(w http.ResponseWriter, r *http.Request, endpoint string, fn func(body []byte, key string) (int, interface{}, error)) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	key := r.Header.Get(IdempotencyKeyHeader)
	if err := app.ValidateKey(key); err != nil {
		h.writeDomainError(w, endpoint, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	resp, err := h.guard.Execute(r.Context(), userID, endpoint, key, body, func(ctx context.Context) (int, []byte, error) {
		status, payload, err := fn(body, key)
		if err != nil {
			return 0, nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		return status, encoded, nil
	})
	if err != nil {
		h.writeDomainError(w, endpoint, err)
		return
	}
	if resp.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (h *Handlers) resolveCurrency(requested string) string {
	if requested != "" {
		return requested
	}
	return h.currency
}

// apiError lets handler closures attach an HTTP message to a parse
// failure before the domain mapping runs.
type apiError struct {
	status  int
	message string
	cause   error
}

func (e *apiError) Error() string { return e.message }
func (e *apiError) Unwrap() error { return e.cause }

func badRequest(message string, cause error) error {
	return &apiError{status: http.StatusBadRequest, message: message, cause: cause}
}

// writeDomainError maps an error from the service layer to an HTTP status.
func (h *Handlers) writeDomainError(w http.ResponseWriter, endpoint string, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		h.writeError(w, ae.status, ae.message)
		return
	}

	var status int
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindUnauthorized:
		status = http.StatusUnauthorized
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindProvider:
		status = http.StatusBadGateway
	default:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		log.Printf("level=error component=api endpoint=%s outcome=error status=%d err=%v", endpoint, status, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}
