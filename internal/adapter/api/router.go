package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/modsec-extractor/internal/adapter/api/handler"
	"github.com/V4T54L/modsec-extractor/internal/adapter/api/middleware"
)

// RouterOptions selects the endpoints to expose. Nil fields disable their route.
type RouterOptions struct {
	Gatherer prometheus.Gatherer
	Health   handler.StatusFunc
	// Rows streams extracted rows as server-sent events.
	Rows http.Handler
	// Stream reports the state of the Redis row stream.
	Stream handler.StatusFunc
}

// NewRouter builds the operational HTTP surface shared by the extractor and the consumer.
func NewRouter(logger *slog.Logger, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	logger = logger.With("component", "http")

	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	if opts.Health != nil {
		r.Get("/health", handler.Status(opts.Health, logger))
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Rows != nil {
		r.Method(http.MethodGet, "/rows", opts.Rows)
	}
	if opts.Stream != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Get("/stream", handler.Status(opts.Stream, logger))
		})
	}

	return r
}
