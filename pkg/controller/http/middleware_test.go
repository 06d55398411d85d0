package http_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/gt"

	controller "github.com/m-mizutani/cibridge/pkg/controller/http"
)

// recordSink captures log attributes for assertion
type recordSink struct {
	mu      sync.Mutex
	records []map[string]any
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }

func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, attrs)
	return nil
}

func (s *recordSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(string) slog.Handler      { return s }

func TestLoggingMiddlewareRecordsDeliveryHeaders(t *testing.T) {
	sink := &recordSink{}
	ctx := ctxlog.With(context.Background(), slog.New(sink))

	handler := controller.LoggingMiddleware(ctx)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", nil)
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	gt.Equal(t, w.Code, http.StatusAccepted)
	gt.A(t, sink.records).Length(1)

	rec := sink.records[0]
	gt.Equal(t, rec["method"].(string), http.MethodPost)
	gt.Equal(t, rec["path"].(string), "/webhook/github")
	gt.Equal(t, rec["status"].(int64), int64(http.StatusAccepted))
	gt.Equal(t, rec["github_event"].(string), "push")
	gt.Equal(t, rec["delivery_id"].(string), "d-1")
}

func TestLoggingMiddlewareSkipsAbsentHeaders(t *testing.T) {
	sink := &recordSink{}
	ctx := ctxlog.With(context.Background(), slog.New(sink))

	handler := controller.LoggingMiddleware(ctx)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	gt.A(t, sink.records).Length(1)
	rec := sink.records[0]
	_, hasGitHub := rec["github_event"]
	_, hasGitLab := rec["gitlab_event"]
	gt.False(t, hasGitHub)
	gt.False(t, hasGitLab)
}
