package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/store"
)

// NewRouter builds the chi router for the external API surface: a
// read-only state snapshot, a kill-enqueue write, and (if metricsHandler is
// non-nil) /metrics. Unlike the teacher's router, no Authenticate/
// RequireRole middleware is mounted — the spec's non-goals place auth at
// the network boundary, not in this process.
func NewRouter(st *store.Store, loader *config.Loader, metricsHandler http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	stateHandler := NewStateHandler(st, loader, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", stateHandler.GetState)
		r.Post("/jobs/{name}/kill", stateHandler.KillJob)
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return r
}

// requestLogger logs every request with method, path, status, and latency,
// matching server/internal/api/middleware.go's RequestLogger exactly.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
