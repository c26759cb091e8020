/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log plus latency metrics
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the storefront UI
  5. Auth:       Bearer JWT on everything under /api and /ws

ROUTE GROUPS:
  /healthz, /metrics    Public
  /ws/transactions      Live ledger feed (authenticated)
  /api/wallets/*        Balances, history, withdrawals
  /api/escrow/*         Ledger-level holds and settlement
  /api/orders/*         Order lifecycle
  /api/scenarios        Demo scenarios
  /api/admin/*          Admin role only

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging and authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the optional collaborators of the router.
type RouterConfig struct {
	Tokens TokenVerifier
	// Metrics records request latency; MetricsHandler is served on /metrics.
	Metrics        RequestObserver
	MetricsHandler http.Handler
	Feed           *Feed
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticate(cfg.Tokens))

		if cfg.Feed != nil {
			r.Get("/ws/transactions", cfg.Feed.ServeHTTP)
		}

		r.Route("/api", func(r chi.Router) {
			// Wallet routes
			r.Route("/wallets", func(r chi.Router) {
				r.Get("/me", h.GetMyBalance)
				r.Post("/me/withdraw", h.Withdraw)
				r.Get("/{userID}", h.GetBalance)
				r.Get("/{userID}/transactions", h.GetWalletTransactions)
			})

			// Escrow routes
			r.Route("/escrow", func(r chi.Router) {
				r.Post("/authorize", h.AuthorizePayment)
				r.Get("/{orderID}", h.GetEscrow)
				r.Get("/{orderID}/transactions", h.GetEscrowTransactions)
				r.Post("/{orderID}/release", h.ReleaseEscrow)
				r.Post("/{orderID}/refund", h.RefundEscrow)
			})

			// Order routes
			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.PlaceOrder)
				r.Get("/{orderID}", h.GetOrder)
				r.Post("/{orderID}/pay", h.OrderAction(h.Orders.PayOrder))
				r.Post("/{orderID}/ship", h.OrderAction(h.Orders.MarkShipped))
				r.Post("/{orderID}/deliver", h.OrderAction(h.Orders.MarkDelivered))
				r.Post("/{orderID}/confirm", h.OrderAction(h.Orders.ConfirmReceipt))
				r.Post("/{orderID}/dispute", h.RaiseDispute)
			})

			r.Get("/scenarios", h.ListScenarios)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/wallets/{userID}/credit", h.CreditWallet)
				r.Post("/wallets/{userID}/freeze", h.WalletStateAction(h.Admin.FreezeWallet))
				r.Post("/wallets/{userID}/unfreeze", h.WalletStateAction(h.Admin.UnfreezeWallet))
				r.Post("/wallets/{userID}/limit", h.WalletStateAction(h.Admin.LimitWallet))
				r.Post("/disputes/{orderID}/resolve", h.ResolveDispute)
				r.Post("/reconcile", h.TriggerReconcile)
				r.Get("/reconcile/latest", h.LatestReconcile)
				r.Post("/scenarios/load", h.LoadScenario)
			})
		})
	})

	return r
}
