package http

import (
	"encoding/json"
	"net/http"

	"github.com/m-mizutani/ctxlog"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// handleHealth answers liveness probes with the service identity and, when an
// upstream health source is wired, the circuit state of each remote API
func handleHealth(upstreams func() map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := &model.HealthStatus{
			Status:  "healthy",
			Service: types.AppName,
			Version: types.Version,
		}
		if upstreams != nil {
			states := upstreams()
			status.GitHub = states[string(types.UpstreamGitHub)]
			status.GitLab = states[string(types.UpstreamGitLab)]
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			ctxlog.From(r.Context()).Error("Failed to encode health response", "error", err)
		}
	}
}

// handleRoot answers probes against the bare host with the service identity
func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"service": types.AppName,
		"version": types.Version,
	}); err != nil {
		ctxlog.From(r.Context()).Error("Failed to encode response", "error", err)
	}
}
