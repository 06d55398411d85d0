package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/ctxlog"
)

// Webhook delivery headers kept in the access log; they tie a log line back
// to the sender's delivery record.
const (
	headerGitHubEvent    = "X-GitHub-Event"
	headerGitHubDelivery = "X-GitHub-Delivery"
	headerGitLabEvent    = "X-Gitlab-Event"
)

// LoggingMiddleware returns a middleware that logs HTTP requests with the
// delivery headers the relay routes on
func LoggingMiddleware(ctx context.Context) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := ctxlog.From(ctx)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				}
				if ev := r.Header.Get(headerGitHubEvent); ev != "" {
					attrs = append(attrs,
						"github_event", ev,
						"delivery_id", r.Header.Get(headerGitHubDelivery),
					)
				}
				if ev := r.Header.Get(headerGitLabEvent); ev != "" {
					attrs = append(attrs, "gitlab_event", ev)
				}
				logger.Info("HTTP request", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
	}); encErr != nil {
		// the request context is gone at this point
		ctxlog.From(context.Background()).Error("Failed to encode error response", "error", encErr)
	}
}
