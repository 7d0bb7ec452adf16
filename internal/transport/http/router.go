package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crowecli/internal/license"
)

// RouterOptions configures the local status server router.
type RouterOptions struct {
	Manager *license.Manager
	Logger  *slog.Logger
	Version string
	// Metrics serves the Prometheus scrape endpoint when set.
	Metrics http.Handler
}

// NewRouter assembles the HTTP surface: license endpoints under /api/license,
// liveness at /health, and the metrics scrape endpoint at /metrics.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestLogger(logger))

	r.Get("/health", NewHealthHandler(opts.Version).Health)
	r.Mount("/api/license", NewLicenseHandler(opts.Manager, logger).Routes())

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
