package types

import "github.com/m-mizutani/goerr/v2"

// Error tags classify failures across the relay. Handlers branch on tags,
// never on error strings.
var (
	// ErrTagAuth marks signature/token verification failures. Rejected with
	// 401, never retried.
	ErrTagAuth = goerr.NewTag("auth_error")

	// ErrTagPayloadMalformed marks payloads that authenticated but could not
	// be parsed or mapped. Rejected with 400, never retried.
	ErrTagPayloadMalformed = goerr.NewTag("payload_malformed")

	// ErrTagRateLimited marks calls that timed out waiting for a rate-limit
	// token. The gateway's own policy handles these; callers do not retry.
	ErrTagRateLimited = goerr.NewTag("rate_limited")

	// ErrTagUpstreamTransient marks upstream failures that the gateway
	// retries internally. Callers only see them before budget exhaustion in
	// logs.
	ErrTagUpstreamTransient = goerr.NewTag("upstream_transient")

	// ErrTagUpstreamPermanent marks upstream failures surfaced to the
	// initiating component after the retry budget is spent, or 4xx responses.
	ErrTagUpstreamPermanent = goerr.NewTag("upstream_permanent")
)

// Sentinel conditions that are expected flow control, not faults.
var (
	// ErrDuplicateKey is returned by the correlation store when a live record
	// already exists for the same (repo, commit, job) triple. The trigger
	// dispatcher treats it as "already triggered".
	ErrDuplicateKey = goerr.New("correlation record already exists")

	// ErrCorrelationNotFound is returned when an execution event does not
	// resolve to a record. Expected for late or foreign deliveries.
	ErrCorrelationNotFound = goerr.New("correlation record not found")
)
