/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer JWT on every route except /api/health

ROUTE GROUPS:
  /api/health          Liveness, no auth
  /api/events/{id}/*   Enrollment
  /api/users/{id}/*    Ledger and membership
  /api/scenarios/*     Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token validation and permissions
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/eligibility", h.GetEligibility)
				r.Post("/enroll", h.Enroll)
				r.Get("/leave-preview", h.LeavePreview)
				r.Get("/waitlist/summary", h.GetWaitlistSummary)
				r.Get("/attendees", h.ListAttendees)

				r.With(RequirePermission(PermManageEvents)).Get("/waitlist", h.ListWaitlist)
				r.With(RequirePermission(PermManageEvents)).Get("/audit", h.GetAuditTrail)
			})

			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/ledger", h.GetLedger)
				r.Post("/membership", h.JoinMembership)
				r.Delete("/", h.DeleteAccount)

				r.With(RequirePermission(PermManageAccounts)).Post("/ledger/charges", h.CreateCharge)
				r.With(RequirePermission(PermManageAccounts)).Post("/free-sessions", h.GrantFreeSessions)
				r.With(RequirePermission(PermManageAccounts)).Post("/free-sessions/consume", h.ConsumeFreeSession)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.With(RequirePermission(PermManageEvents)).Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
