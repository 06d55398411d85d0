package usecase

import (
	"time"

	"github.com/m-mizutani/cibridge/pkg/metrics"
)

// Config carries the relay policy shared by the usecases. The zero value is
// usable for tests: no team gate, reverse dispatch off, noop metrics.
type Config struct {
	// AppID is the relay's own GitHub App ID. Check suite re-runs are only
	// honored for suites this app created; zero disables the filter.
	AppID int64
	// AllowTeam gates triggering to members of "org/team-slug"; empty
	// disables the gate
	AllowTeam string
	// ExtraUsers are allowed regardless of team membership
	ExtraUsers []string
	// Sterile suppresses every outbound side effect, leaving only logs
	Sterile bool
	// ReverseDispatch enables the job-finished dispatch path
	ReverseDispatch bool
	// TriggerStatuses is the job status set that fires a reverse dispatch
	TriggerStatuses []string
	// DetectionTTL bounds the workflow detection cache
	DetectionTTL time.Duration
	// Metrics receives counters; nil means none
	Metrics metrics.Sink
}

// DefaultTriggerStatuses is the reverse dispatch filter default
var DefaultTriggerStatuses = []string{"success", "failed"}

func (c Config) metrics() metrics.Sink {
	if c.Metrics == nil {
		return metrics.Noop{}
	}
	return c.Metrics
}

func (c Config) triggerStatuses() map[string]bool {
	statuses := c.TriggerStatuses
	if len(statuses) == 0 {
		statuses = DefaultTriggerStatuses
	}
	set := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func (c Config) detectionTTL() time.Duration {
	if c.DetectionTTL <= 0 {
		return time.Hour
	}
	return c.DetectionTTL
}
