/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the shop's web UI

ROUTES:
  /api/sims                          Action endpoint
  /api/reconciliation                Reconciled view
  /api/reconciliation/refresh        Forced recompute
  /api/notifications/local-change    Change hook for the surrounding app
  /api/workflow-runs                 Activate-and-swap audit trail
  /metrics                           Prometheus
  /healthz                           Liveness

TIMEOUTS:
  activate_and_swap holds its request for 60-90 seconds. No timeout
  middleware is installed; the server's WriteTimeout must exceed the
  workflow budget.

SECURITY NOTE:
  No authentication middleware. Run behind the shop application, not on a
  public interface.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sims", h.HandleAction)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/", h.GetReconciliation)
			r.Post("/refresh", h.RefreshReconciliation)
		})

		r.Post("/notifications/local-change", h.LocalChange)
		r.Get("/workflow-runs", h.ListWorkflowRuns)
	})

	return r
}
