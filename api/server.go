/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging through zap
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness
  /api/enrollments/*    Enrollment lifecycle
  /api/users/*          Per-learner listings
  /api/progress/*       Learner events
  /api/certificates/*   Certificate lookup and verification
  /api/admin/*          Overrides, audit, reconciliation (actor required)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Admin actor middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/progress-engine/logger"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string

	// JWTSecret enables bearer-token admin authentication; see auth.go.
	JWTSecret string

	Log *logger.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.OrNop(opts.Log)))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", h.Enroll)
			r.Get("/{userId}/{courseId}", h.GetEnrollment)
			r.Delete("/{userId}/{courseId}", h.Unenroll)
		})

		r.Get("/users/{userId}/enrollments", h.ListEnrollments)

		r.Route("/progress/{userId}/{courseId}", func(r chi.Router) {
			r.Get("/", h.GetProgress)
			r.Post("/lessons", h.RecordLessonEvent)
			r.Post("/modules/{moduleId}/complete", h.CompleteModule)
			r.Post("/quizzes", h.RecordQuizResult)
		})

		r.Route("/certificates", func(r chi.Router) {
			r.Get("/", h.ListCertificates)
			r.Get("/verify/{code}", h.VerifyCertificate)
			r.Get("/{id}", h.GetCertificate)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(ActorMiddleware(opts.JWTSecret))

			r.Route("/progress/{userId}/{courseId}", func(r chi.Router) {
				r.Post("/force-complete", h.ForceComplete)
				r.Post("/reset", h.ResetProgress)
				r.Post("/revoke", h.RevokeEnrollment)
				r.Post("/modules/{moduleId}/complete", h.AdminCompleteModule)
				r.Post("/lessons/complete", h.AdminCompleteLesson)
				r.Post("/lessons/reset", h.AdminResetLesson)
				r.Get("/audit", h.GetAuditTrail)
				r.Post("/reconcile", h.ReconcilePair)
			})

			r.Get("/audit", h.QueryAudit)
			r.Post("/sweep", h.RunSweep)
			r.Get("/sweep/last", h.LastSweep)
			r.Post("/certificates/revoke", h.RevokeCertificates)
			r.Post("/topology/{courseId}/invalidate", h.InvalidateTopology)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
