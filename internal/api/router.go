/**
 * @description
 * HTTP router setup for the payment emission service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the internal payment routes.
// CORS is only enabled when allowedOrigins is non-empty.
func NewRouter(h *Handler, internalKey string, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payment emission service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/emissions/run", h.handleRunEmission)
		r.Get("/emissions/plan", h.handlePlanEmission)

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", h.handleCreateSchedule)
			r.Get("/{id}", h.handleGetSchedule)
			r.Post("/{id}/pause", h.handlePauseSchedule)
			r.Post("/{id}/resume", h.handleResumeSchedule)
			r.Post("/{id}/cancel", h.handleCancelSchedule)
			r.Get("/{id}/events", h.handleScheduleEvents)
		})

		r.Route("/payment-intents", func(r chi.Router) {
			r.Post("/", h.handleCreatePaymentIntent)
			r.Get("/{id}", h.handleGetPaymentIntent)
			r.Post("/{id}/cancel", h.handleCancelPaymentIntent)
			r.Post("/{id}/refunds", h.handleRefundPaymentIntent)
			r.Post("/{id}/escalate", h.handleEscalatePaymentIntent)
			r.Get("/{id}/events", h.handlePaymentIntentEvents)
		})

		r.Get("/societes/{id}/events", h.handleSocieteEvents)
	})

	return r
}
