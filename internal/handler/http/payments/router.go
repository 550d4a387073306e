package payments_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouteOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	Poll           PollDefaults
}

func RegisterRoutes(r chi.Router, s PaymentService, rec Reconciler, ing WebhookIngestor, opts RouteOptions, l *zap.Logger) {
	handler := NewPaymentHandler(s, rec, ing, opts.Poll, l.With(zap.String("component", "PaymentHTTPHandler")))
	auth := NewAuthenticator(opts.JWTSecret, l)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Payments service is healthy!"))
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/webhook", handler.WebhookHandler)

		// Called straight from the storefront.
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: opts.AllowedOrigins,
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type", "X-Client-Platform"},
				MaxAge:         300,
			}))
			r.Options("/checkout-session", func(w http.ResponseWriter, r *http.Request) {})
			r.Post("/checkout-session", handler.CreateCheckoutSessionHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)
			r.Get("/checkout-session/{sessionID}", handler.GetCheckoutSessionHandler)
			r.Post("/refund", handler.PayerRefundHandler)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Get("/needs-polling", handler.NeedsPollingHandler)
				r.Get("/stats", handler.StatsHandler)
				r.Get("/webhook-events/unprocessed", handler.UnprocessedEventsHandler)
				r.Post("/bulk-poll", handler.BulkPollHandler)
				r.Get("/{id}", handler.GetPaymentHandler)
				r.Post("/{id}/poll-status", handler.PollStatusHandler)
				r.Post("/{id}/poll-until-complete", handler.PollUntilCompleteHandler)
				r.Post("/{id}/poll-abort", handler.PollAbortHandler)
				r.Post("/{id}/refund", handler.AdminRefundHandler)
				r.Post("/{id}/cancel", handler.CancelHandler)
				r.Patch("/{id}/status", handler.UpdateStatusHandler)
			})
		})
	})
}
