// Package metrics exposes relay counters. The Sink interface keeps callers
// decoupled from prometheus; all methods are non-blocking and
// fire-and-forget.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink receives relay metrics
type Sink interface {
	WebhookReceived(source, eventType string)
	WebhookRejected(source, reason string)
	JobTriggered(repo string)
	TriggerFailed(repo string)
	StatusPushed(conclusion string)
	DispatchSent(jobStatus string)
	SweepEvicted(reason string)
	GatewayRetry(upstream string)
	GatewayRateLimited(upstream string)
}

// Noop discards all metrics
type Noop struct{}

func (Noop) WebhookReceived(string, string) {}
func (Noop) WebhookRejected(string, string) {}
func (Noop) JobTriggered(string)            {}
func (Noop) TriggerFailed(string)           {}
func (Noop) StatusPushed(string)            {}
func (Noop) DispatchSent(string)            {}
func (Noop) SweepEvicted(string)            {}
func (Noop) GatewayRetry(string)            {}
func (Noop) GatewayRateLimited(string)      {}

// PrometheusSink implements Sink with prometheus collectors. Registration
// failures are ignored; a metric that cannot register simply stays silent.
type PrometheusSink struct {
	webhooksReceived   *prometheus.CounterVec
	webhooksRejected   *prometheus.CounterVec
	jobsTriggered      *prometheus.CounterVec
	triggerErrors      *prometheus.CounterVec
	statusUpdates      *prometheus.CounterVec
	dispatchesSent     *prometheus.CounterVec
	sweepEvictions     *prometheus.CounterVec
	gatewayRetries     *prometheus.CounterVec
	gatewayRateLimited *prometheus.CounterVec
}

// NewPrometheusSink creates and registers the relay's collectors
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_webhooks_received_total",
			Help: "Total number of webhooks received.",
		}, []string{"source", "event_type"}),
		webhooksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_webhooks_rejected_total",
			Help: "Total number of webhooks rejected before processing.",
		}, []string{"source", "reason"}),
		jobsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_jobs_triggered_total",
			Help: "Total number of execution host jobs triggered.",
		}, []string{"repo"}),
		triggerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_trigger_errors_total",
			Help: "Total number of trigger attempts that ended in TriggerFailed.",
		}, []string{"repo"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_status_updates_total",
			Help: "Total number of check run updates pushed to the source host.",
		}, []string{"conclusion"}),
		dispatchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_dispatches_sent_total",
			Help: "Total number of repository dispatch events sent.",
		}, []string{"job_status"}),
		sweepEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_sweep_evictions_total",
			Help: "Total number of correlation records evicted by the sweep.",
		}, []string{"reason"}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_gateway_retries_total",
			Help: "Total number of outbound call retries.",
		}, []string{"upstream"}),
		gatewayRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cibridge_gateway_rate_limited_total",
			Help: "Total number of calls that timed out waiting for a rate limit token.",
		}, []string{"upstream"}),
	}

	for _, c := range []prometheus.Collector{
		s.webhooksReceived, s.webhooksRejected, s.jobsTriggered,
		s.triggerErrors, s.statusUpdates, s.dispatchesSent,
		s.sweepEvictions, s.gatewayRetries, s.gatewayRateLimited,
	} {
		_ = reg.Register(c)
	}
	return s
}

func (s *PrometheusSink) WebhookReceived(source, eventType string) {
	s.webhooksReceived.WithLabelValues(source, eventType).Inc()
}

func (s *PrometheusSink) WebhookRejected(source, reason string) {
	s.webhooksRejected.WithLabelValues(source, reason).Inc()
}

func (s *PrometheusSink) JobTriggered(repo string) {
	s.jobsTriggered.WithLabelValues(repo).Inc()
}

func (s *PrometheusSink) TriggerFailed(repo string) {
	s.triggerErrors.WithLabelValues(repo).Inc()
}

func (s *PrometheusSink) StatusPushed(conclusion string) {
	s.statusUpdates.WithLabelValues(conclusion).Inc()
}

func (s *PrometheusSink) DispatchSent(jobStatus string) {
	s.dispatchesSent.WithLabelValues(jobStatus).Inc()
}

func (s *PrometheusSink) SweepEvicted(reason string) {
	s.sweepEvictions.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) GatewayRetry(upstream string) {
	s.gatewayRetries.WithLabelValues(upstream).Inc()
}

func (s *PrometheusSink) GatewayRateLimited(upstream string) {
	s.gatewayRateLimited.WithLabelValues(upstream).Inc()
}
