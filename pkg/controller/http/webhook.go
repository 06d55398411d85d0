package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/metrics"
	"github.com/m-mizutani/cibridge/pkg/utils/async"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

const (
	// dedupTTL bounds the delivery-ID deduplication window; senders retry
	// within minutes, not days
	dedupTTL = 15 * time.Minute
	// processTimeout caps detached webhook processing
	processTimeout = 5 * time.Minute
	// maxBodySize rejects oversized payloads before reading them fully
	maxBodySize = 25 << 20
)

// WebhookHandler authenticates, parses and dispatches inbound webhooks from
// both hosts. Processing runs detached from the request so the sender gets a
// prompt acknowledgment.
type WebhookHandler struct {
	githubSecret   string
	gitlabSecret   string
	gitlabAuthMode webhook.GitLabAuthMode

	trigger interfaces.TriggerUseCase
	relay   interfaces.RelayUseCase
	reverse interfaces.ReverseDispatchUseCase

	seen    *gocache.Cache
	metrics metrics.Sink
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(
	githubSecret, gitlabSecret string,
	gitlabAuthMode webhook.GitLabAuthMode,
	trigger interfaces.TriggerUseCase,
	relay interfaces.RelayUseCase,
	reverse interfaces.ReverseDispatchUseCase,
	sink metrics.Sink,
) *WebhookHandler {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &WebhookHandler{
		githubSecret:   githubSecret,
		gitlabSecret:   gitlabSecret,
		gitlabAuthMode: gitlabAuthMode,
		trigger:        trigger,
		relay:          relay,
		reverse:        reverse,
		seen:           gocache.New(dedupTTL, dedupTTL),
		metrics:        sink,
	}
}

// HandleGitHub processes source host webhook requests
func (h *WebhookHandler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ctxlog.From(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		logger.Error("Failed to read request body", "error", err)
		writeError(w, goerr.Wrap(err, "failed to read request body"), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := webhook.VerifyGitHubSignature(body, r.Header.Get("X-Hub-Signature-256"), h.githubSecret); err != nil {
		logger.Warn("Invalid webhook signature", "error", err)
		h.metrics.WebhookRejected("github", "auth")
		writeError(w, goerr.New("invalid signature"), http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if h.isDuplicate("github", deliveryID) {
		logger.Info("Duplicate delivery, ignoring", "delivery_id", deliveryID)
		writeStatus(w, "duplicate")
		return
	}

	ev, err := webhook.ParseGitHubEvent(eventType, deliveryID, body, time.Now())
	if err != nil {
		logger.Error("Failed to parse webhook payload",
			"error", err,
			"event_type", eventType,
			"payload", truncate(body, 512),
		)
		h.metrics.WebhookRejected("github", "malformed")
		writeError(w, goerr.New("invalid payload"), http.StatusBadRequest)
		return
	}
	if ev == nil {
		writeStatus(w, "ignored")
		return
	}

	h.metrics.WebhookReceived("github", eventType)
	logger.Info("Accepted source webhook",
		"event_type", eventType,
		"kind", ev.Kind,
		"repo", ev.Repo.FullName(),
		"delivery_id", deliveryID,
	)

	async.DispatchWithTimeout(ctx, processTimeout, func(ctx context.Context) error {
		_, err := h.trigger.OnSourceEvent(ctx, ev)
		return err
	})
	writeStatus(w, "accepted")
}

// HandleGitLab processes execution host webhook requests
func (h *WebhookHandler) HandleGitLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ctxlog.From(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		logger.Error("Failed to read request body", "error", err)
		writeError(w, goerr.Wrap(err, "failed to read request body"), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := webhook.VerifyGitLab(h.gitlabAuthMode, body, r.Header.Get("X-Gitlab-Token"), h.gitlabSecret); err != nil {
		logger.Warn("Invalid webhook credential", "error", err)
		h.metrics.WebhookRejected("gitlab", "auth")
		writeError(w, goerr.New("invalid credential"), http.StatusUnauthorized)
		return
	}

	eventHeader := r.Header.Get("X-Gitlab-Event")
	deliveryID := r.Header.Get("X-Gitlab-Event-UUID")
	if deliveryID == "" {
		// older instances omit the UUID header; a fresh ID disables
		// deduplication for this delivery rather than colliding
		deliveryID = uuid.NewString()
	}
	if h.isDuplicate("gitlab", deliveryID) {
		logger.Info("Duplicate delivery, ignoring", "delivery_id", deliveryID)
		writeStatus(w, "duplicate")
		return
	}

	ev, err := webhook.ParseGitLabEvent(eventHeader, deliveryID, body, time.Now())
	if err != nil {
		logger.Error("Failed to parse webhook payload",
			"error", err,
			"event_type", eventHeader,
			"payload", truncate(body, 512),
		)
		h.metrics.WebhookRejected("gitlab", "malformed")
		writeError(w, goerr.New("invalid payload"), http.StatusBadRequest)
		return
	}
	if ev == nil {
		writeStatus(w, "ignored")
		return
	}

	h.metrics.WebhookReceived("gitlab", eventHeader)
	logger.Info("Accepted execution webhook",
		"event_type", eventHeader,
		"kind", ev.Kind,
		"delivery_id", deliveryID,
	)

	async.DispatchWithTimeout(ctx, processTimeout, func(ctx context.Context) error {
		if err := h.relay.OnExecutionEvent(ctx, ev); err != nil {
			return err
		}
		if ev.Kind == model.EventExecutionJobStatus && ev.Execution.IsTerminalStatus() {
			return h.reverse.OnExecutionFinished(ctx, ev)
		}
		return nil
	})
	writeStatus(w, "accepted")
}

// isDuplicate records the delivery ID and reports whether it was already
// seen inside the deduplication window
func (h *WebhookHandler) isDuplicate(source, deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	return h.seen.Add(source+":"+deliveryID, struct{}{}, gocache.DefaultExpiration) != nil
}

func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
