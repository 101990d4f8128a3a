package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/api/handlers"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	uploadHandler := handlers.NewUploadHandler(deps.Front)
	adminHandler := handlers.NewAdminHandler(deps.Registry, deps.Recovery)
	txHandler := handlers.NewTransactionHandler(deps.Registry)
	healthHandler := handlers.NewHealthHandler(deps.Registry)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cnab/upload", uploadHandler.Upload)

		r.Route("/uploads", func(r chi.Router) {
			r.Get("/", adminHandler.List)
			r.Get("/incomplete", adminHandler.Incomplete)
			r.Post("/resume-all", adminHandler.ResumeAll)
			r.Get("/{id}", adminHandler.Get)
			r.Post("/{id}/resume", adminHandler.Resume)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", txHandler.ListByCPF)
			r.Get("/stores", txHandler.Stores)
			r.Delete("/", adminHandler.PurgeAll)
		})
	})

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
