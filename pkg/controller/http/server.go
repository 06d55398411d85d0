package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/metrics"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

// config holds internal HTTP server configuration
type config struct {
	addr           string
	githubSecret   string
	gitlabSecret   string
	gitlabAuthMode webhook.GitLabAuthMode
	gatherer       prometheus.Gatherer
	sink           metrics.Sink
	upstreams      func() map[string]string
}

// Option is a functional option for Server configuration
type Option func(*config)

// WithAddr sets the server address
func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithGitHubSecret sets the source host webhook secret
func WithGitHubSecret(secret string) Option {
	return func(c *config) {
		c.githubSecret = secret
	}
}

// WithGitLabSecret sets the execution host webhook secret and auth mode
func WithGitLabSecret(secret string, mode webhook.GitLabAuthMode) Option {
	return func(c *config) {
		c.gitlabSecret = secret
		c.gitlabAuthMode = mode
	}
}

// WithMetrics sets the metrics sink and the gatherer served on /metrics
func WithMetrics(sink metrics.Sink, gatherer prometheus.Gatherer) Option {
	return func(c *config) {
		c.sink = sink
		c.gatherer = gatherer
	}
}

// WithUpstreamHealth wires a source of per-upstream circuit states into the
// health endpoint
func WithUpstreamHealth(fn func() map[string]string) Option {
	return func(c *config) {
		c.upstreams = fn
	}
}

// Server represents the HTTP server
type Server struct {
	*http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	ctx context.Context,
	trigger interfaces.TriggerUseCase,
	relay interfaces.RelayUseCase,
	reverse interfaces.ReverseDispatchUseCase,
	opts ...Option,
) (*Server, error) {
	// Default configuration
	cfg := &config{
		addr:           "localhost:8080",
		gitlabAuthMode: webhook.GitLabAuthToken,
		gatherer:       prometheus.DefaultGatherer,
	}

	// Apply options
	for _, opt := range opts {
		opt(cfg)
	}

	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggingMiddleware(ctx))
	router.Use(middleware.Recoverer)

	router.Get("/", handleRoot)
	router.Get("/health", handleHealth(cfg.upstreams))
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))

	// Webhook endpoints
	webhookHandler := NewWebhookHandler(
		cfg.githubSecret,
		cfg.gitlabSecret,
		cfg.gitlabAuthMode,
		trigger,
		relay,
		reverse,
		cfg.sink,
	)
	router.Post("/webhook/github", webhookHandler.HandleGitHub)
	router.Post("/webhook/gitlab", webhookHandler.HandleGitLab)

	server := &Server{
		Server: &http.Server{
			Addr:              cfg.addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}

	return server, nil
}
