/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the public
 * transfer endpoints, the administrator arbitration endpoints and the operational
 * endpoints, and applies the middleware each group needs.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the browser-based transfer page.
 */

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/escrow-service/internal/app"
)

const statusPollScope = "transfer_status"

// RouterConfig carries the optional collaborators of the router.
type RouterConfig struct {
	AllowedOrigins []string
	AdminAuth      AdminAuthConfig
	StatusLimiter  app.RateLimiter
	Metrics        http.Handler
	Logger         *slog.Logger
}

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/p2p-transfers", func(r chi.Router) {
		r.Post("/", h.CreateTransferHandler)
		r.Get("/code/{code}", h.ViewTransferHandler)
		r.Post("/{id}/mark-payment-completed", h.MarkPaymentCompletedHandler)
		r.Post("/{id}/release", h.ReleaseHandler)
		r.Post("/{id}/appeal", h.AppealHandler)
		r.With(RateLimitMiddleware(cfg.StatusLimiter, statusPollScope, cfg.Logger)).
			Get("/{id}/status", h.StatusHandler)
	})

	r.Route("/admin/p2p-transfers", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminAuth, cfg.Logger))
		r.Get("/appeals", h.ListAppealsHandler)
		r.Post("/{id}/resolve-appeal", h.ResolveAppealHandler)
	})

	return r
}
