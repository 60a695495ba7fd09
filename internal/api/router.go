/**
 * @description
 * This file sets up the HTTP router for the payment engine. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for authentication, idempotency enforcement, logging,
 * panic recovery, and CORS.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes creates and returns the router for the payment engine.
func Routes(h *Handlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider callbacks authenticate by signature, not by JWT.
	r.Post("/webhooks/{provider}", h.WebhookHandler)

	// Authenticated client API.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/accounts", h.CreateAccountHandler)
		r.Get("/accounts/{accountID}", h.GetAccountHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)

		// Money-movement initiations require an Idempotency-Key.
		r.Group(func(r chi.Router) {
			r.Use(RequireIdempotencyKey)
			r.Post("/deposits", h.DepositHandler)
			r.Post("/withdrawals", h.WithdrawalHandler)
			r.Post("/transfers", h.TransferHandler)
		})

		// Confirmation and cancellation are one-shot transitions; the
		// state machine itself rejects repeats.
		r.Post("/transfers/{transactionID}/confirm", h.ConfirmTransferHandler)
		r.Post("/transfers/{transactionID}/cancel", h.CancelTransferHandler)

		r.Get("/admin/dead-letters", h.ListDeadLettersHandler)
	})

	return r
}
