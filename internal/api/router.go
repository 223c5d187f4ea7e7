/**
 * @description
 * This file sets up the HTTP router for the bank-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware: end-user routes sit behind JWT validation,
 * service-to-service routes behind role-scoped internal API keys, and deal/fee
 * reads are public.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS policy for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/communio/bank-service/internal/app"
)

// BankRoutes creates and returns the router for the bank service.
func BankRoutes(h *BankHandlers, jwksURL, jwtAudience, jwtIssuer string, internalKeys map[string]app.Role) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public reads: fee schedules, ledger totals, deal views.
	r.Get("/communities/{communityID}/fees/{kind}", h.ReadFeeHandler)
	r.Get("/ledger/totals", h.LedgerTotalsHandler)
	r.Get("/deals/{dealID}/common", h.ReadCommonDealHandler)
	r.Get("/deals/{dealID}/flags", h.ReadBoolDealHandler)
	r.Get("/deals/{dealID}/approvals", h.ReadApproveDealHandler)

	// Service-to-service routes: role resolved from the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalKeys))

		r.Post("/internal/communities/{communityID}/fees/{kind}", h.DefineFeeHandler)
		r.Put("/internal/communities/{communityID}/fees/{kind}", h.UpdateFeeHandler)
		r.Post("/internal/communities/{communityID}/mint/{kind}", h.MintHandler)
		r.Post("/internal/communities/{communityID}/burn/{kind}", h.BurnHandler)
		r.Put("/internal/global-fees/{name}", h.SetGlobalFeeHandler)
		r.Get("/internal/global-fees/{name}", h.GetGlobalFeeHandler)
	})

	// End-user routes behind JWT authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwksURL, jwtAudience, jwtIssuer))

		r.Get("/balance", h.GetBalanceHandler)
		r.Post("/balance/deposit", h.DepositHandler)
		r.Post("/balance/withdraw", h.WithdrawHandler)

		r.Post("/deals", h.MakeDealHandler)
		r.Post("/deals/{dealID}/issue", h.SetIssueHandler)
		r.Post("/deals/{dealID}/approve-start", h.StartApproveHandler)
		r.Post("/deals/{dealID}/approve-end", h.EndApproveHandler)
		r.Post("/deals/{dealID}/cancel", h.CancelDealHandler)
		r.Post("/deals/{dealID}/finish", h.FinishDealHandler)
	})

	return r
}
