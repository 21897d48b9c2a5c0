package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-json-experiment/json"
)

// StatusFunc reports a JSON-encodable status document.
type StatusFunc func(ctx context.Context) (any, error)

// Status serves the result of fn as JSON, or 503 when fn fails.
func Status(fn StatusFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := fn(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			logger.Warn("status check failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.MarshalWrite(w, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		if err := json.MarshalWrite(w, body); err != nil {
			logger.Error("failed to encode status", "path", r.URL.Path, "error", err)
		}
	}
}
