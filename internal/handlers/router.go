package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the HTTP surface. Streaming routes are kept out of the
// request timeout.
func NewRouter(h *Handler, corsOrigins []string, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Request/response routes
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.Get("/fixtures", h.GetFixtures)
			r.Get("/fixtures/{fixtureID}", h.GetFixture)
			r.Get("/fixtures/{fixtureID}/odds", h.GetFixtureOdds)
			r.Get("/odds", h.GetOdds)

			r.Get("/stream/{kind}/latest", h.GetLatest)
			r.Post("/stream/{kind}/push", h.Push)
		})

		// Long-lived routes
		r.Get("/stream/{kind}", h.StreamEvents)
		r.Post("/odds/fetch", h.FetchOdds)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))
		r.Get("/health", h.HealthCheck)
		r.Get("/metrics", h.GetMetrics)
	})
	r.Get("/ws/{kind}", h.HandleWebSocket)

	return r
}

// requestLogger logs one line per request once it completes
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", chimiddleware.GetReqID(r.Context()))
		})
	}
}
