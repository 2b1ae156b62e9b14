/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Exposes the service metrics.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Routes creates and returns the router for the transfer service.
func Routes(h *Handlers, internalAPIKey string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/accounts", h.OpenAccountHandler)
		r.Post("/accounts/transfer", h.TransferNowHandler)
		r.Get("/accounts/{ownerID}", h.GetAccountHandler)
		r.Get("/accounts/{ownerID}/balance", h.GetBalanceHandler)

		r.Post("/transfers/{fromOwnerID}", h.CreateTransferHandler)
		r.Get("/transfers/user/{ownerID}", h.ListTransfersHandler)
	})

	return r
}
