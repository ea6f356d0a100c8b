package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/credit-ledger/internal/auth"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/internal/purchase"
	"github.com/frahmantamala/credit-ledger/internal/reconciliation"
	"github.com/frahmantamala/credit-ledger/internal/transport/middleware"
	"github.com/frahmantamala/credit-ledger/internal/transport/swagger"
	"github.com/frahmantamala/credit-ledger/internal/video"
	"github.com/frahmantamala/credit-ledger/internal/webhook"
)

// Routes carries every handler the HTTP surface exposes. Nil handlers are not mounted.
type Routes struct {
	Health         *HealthHandler
	Webhook        *webhook.Handler
	Purchase       *purchase.Handler
	Reconciliation *reconciliation.Handler
	Ledger         *ledger.Handler
	Video          *video.Handler

	Tokens          auth.TokenValidator
	AdminRole       string
	AllowedOrigins  string
	OpenAPIPath     string
	RequestValidate func(http.Handler) http.Handler
}

func RegisterAllRoutes(router *chi.Mux, routes Routes, logger *slog.Logger) {
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.TraceID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.CORS(routes.AllowedOrigins))

	if routes.OpenAPIPath != "" {
		router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, routes.OpenAPIPath)
		})
		router.Handle("/swagger/*", swagger.Handler("/openapi.yml"))
	}

	// gateway notifications: never authenticated, always acknowledged.
	// RemoteAddr stays the TCP peer here; the handler resolves forwarded
	// addresses only from trusted proxies.
	if routes.Webhook != nil {
		router.Post("/webhooks/mercadopago", routes.Webhook.HandleNotification)
		router.Get("/webhooks/mercadopago", routes.Webhook.HandleNotification)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.RealIP)

		if routes.Health != nil {
			r.Get("/ping", routes.Health.Ping)
			r.Get("/health", routes.Health.Health)
		}

		// authenticated by the shared callback token
		if routes.Video != nil {
			r.Post("/videos/callback", routes.Video.Callback)
		}

		if routes.Tokens == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(middleware.Authenticate(routes.Tokens, logger))
			if routes.RequestValidate != nil {
				pr.Use(routes.RequestValidate)
			}

			if routes.Purchase != nil {
				pr.Post("/purchases", routes.Purchase.Checkout)
				pr.Get("/purchases/{id}", routes.Purchase.GetPurchase)
			}
			if routes.Reconciliation != nil {
				pr.Post("/purchases/pending/check", routes.Reconciliation.CheckPending)
			}
			if routes.Ledger != nil {
				pr.Get("/credits/balance", routes.Ledger.GetBalance)
			}

			if routes.Video != nil {
				pr.Post("/videos", routes.Video.Generate)
				pr.Get("/videos/{id}", routes.Video.GetVideo)

				pr.Group(func(ar chi.Router) {
					ar.Use(middleware.RequireRole(logger, routes.AdminRole))
					ar.Post("/videos/{id}/retry", routes.Video.Retry)
				})
			}
		})
	})
}
