package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/platform/middleware"
)

// Registrar is implemented by every domain handler; each one mounts its own
// routes so the router stays a pure wiring concern.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter assembles the middleware stack and mounts all handlers plus the
// operational endpoints.
func NewRouter(logger *slog.Logger, healthHandler http.Handler, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestMetadata)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(30 * time.Second))

	for _, h := range handlers {
		h.Register(r)
	}

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
