/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One logrus line per request (middleware.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counts and latency (optional)
  5. CORS:       Cross-origin requests for the web app

ROUTE GROUPS:
  /api/users/*     Users, balances, network, share links, redemption
  /api/referrals   Referral signup
  /api/bookings/*  Booking lifecycle webhooks
  /api/admin/*     Reconciliation and export
  /api/scenarios/* Demo scenario loaders (DemoScenarios only)
  /metrics         Prometheus scrape endpoint
  /healthz         Health report

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request logger
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fly2any/referral-engine/monitoring"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *monitoring.Metrics
	Health         *monitoring.HealthChecker
	DemoScenarios  bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/network", h.GetNetwork)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/referral-link", h.GetReferralLink)
			r.Get("/{id}/referral-qr", h.GetReferralQR)
			r.Post("/{id}/redeem", h.RedeemPoints)
		})

		r.Post("/referrals", h.CreateReferral)

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.ProcessBooking)
			r.Post("/{id}/complete", h.CompleteBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Get("/{id}/transactions", h.GetBookingTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
			r.Get("/transactions/export", h.ExportTransactions)
		})

		if opts.DemoScenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Health != nil {
		r.Handle("/healthz", opts.Health.Handler())
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": monitoring.StatusHealthy})
		})
	}

	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
