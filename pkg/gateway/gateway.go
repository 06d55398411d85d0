// Package gateway is the single outbound path to both remote APIs. It
// applies per-upstream rate limiting, retry with exponential backoff and
// jitter, and circuit breaking. Callers never see its internal counters;
// they get a response or a tagged error.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"

	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// Config tunes the policy for one upstream
type Config struct {
	RatePerSecond    float64
	Burst            int
	RateWaitTimeout  time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	AttemptTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig matches the retry budget and limits the relay runs with
// unless tuned via configuration
func DefaultConfig() Config {
	return Config{
		RatePerSecond:    10,
		Burst:            10,
		RateWaitTimeout:  10 * time.Second,
		MaxAttempts:      5,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		AttemptTimeout:   30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// MetricsSink receives gateway counters. Implementations must be
// non-blocking; a nil sink disables reporting.
type MetricsSink interface {
	GatewayRetry(upstream string)
	GatewayRateLimited(upstream string)
}

type upstreamState struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *breaker
}

// Gateway is safe for concurrent use by all outbound callers
type Gateway struct {
	upstreams map[types.Upstream]*upstreamState
	metrics   MetricsSink
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway
type Option func(*Gateway)

// WithUpstream registers an upstream with its policy
func WithUpstream(name types.Upstream, cfg Config) Option {
	return func(g *Gateway) {
		g.upstreams[name] = &upstreamState{
			cfg:     cfg,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
			breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, g.now),
		}
	}
}

// WithMetrics attaches a metrics sink
func WithMetrics(sink MetricsSink) Option {
	return func(g *Gateway) { g.metrics = sink }
}

// WithClock injects a time source for tests
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSleep injects the backoff wait for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		upstreams: make(map[types.Upstream]*upstreamState),
		now:       time.Now,
	}
	g.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Transport returns a RoundTripper that routes base through the upstream's
// policy, for plugging under SDK HTTP clients
func (g *Gateway) Transport(upstream types.Upstream, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{gw: g, upstream: upstream, base: base}
}

type transport struct {
	gw       *Gateway
	upstream types.Upstream
	base     http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.gw.do(req.Context(), t.upstream, req, t.base)
}

// Health reports the circuit state of every registered upstream
func (g *Gateway) Health() map[string]string {
	out := make(map[string]string, len(g.upstreams))
	for name, st := range g.upstreams {
		out[string(name)] = st.breaker.State()
	}
	return out
}

// Do executes the request under the upstream's policy using the default
// transport
func (g *Gateway) Do(ctx context.Context, upstream types.Upstream, req *http.Request) (*http.Response, error) {
	return g.do(ctx, upstream, req, http.DefaultTransport)
}

// do returns the last HTTP response even when its status is an error; the
// caller owns status interpretation. An error return means no usable
// response was obtained.
func (g *Gateway) do(ctx context.Context, upstream types.Upstream, req *http.Request, base http.RoundTripper) (*http.Response, error) {
	st, ok := g.upstreams[upstream]
	if !ok {
		return nil, goerr.New("unknown upstream", goerr.V("upstream", string(upstream)))
	}
	logger := ctxlog.From(ctx)

	if err := g.acquireToken(ctx, upstream, st); err != nil {
		return nil, err
	}

	if err := st.breaker.Allow(); err != nil {
		return nil, goerr.Wrap(err, "call refused",
			goerr.V("upstream", string(upstream)),
			goerr.T(types.ErrTagUpstreamTransient),
		)
	}

	var lastErr error
	for attempt := 1; attempt <= st.cfg.MaxAttempts; attempt++ {
		resp, err := g.attempt(ctx, st, req, base)
		if err == nil && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			st.breaker.RecordSuccess()
			return resp, nil
		}

		st.breaker.RecordFailure()

		var delay time.Duration
		switch {
		case err != nil:
			lastErr = err
			if !retryable(req, err) {
				return nil, goerr.Wrap(err, "non-retryable transport failure",
					goerr.V("upstream", string(upstream)),
					goerr.T(types.ErrTagUpstreamPermanent),
				)
			}
			delay = g.backoff(st.cfg, attempt)

		case resp.StatusCode == http.StatusTooManyRequests:
			// the request was rejected, so retrying is safe even for
			// non-idempotent methods
			delay = retryAfter(resp, g.backoff(st.cfg, attempt))
			drain(resp)
			lastErr = goerr.New("upstream rate limited request",
				goerr.V("upstream", string(upstream)),
				goerr.T(types.ErrTagUpstreamTransient),
			)

		default: // 5xx
			if !idempotent(req) {
				// the request may have taken effect; the duplicate-key
				// check at the correlation store is the safety net
				return resp, nil
			}
			drain(resp)
			lastErr = goerr.New("upstream server error",
				goerr.V("upstream", string(upstream)),
				goerr.V("status", resp.StatusCode),
				goerr.T(types.ErrTagUpstreamTransient),
			)
			delay = g.backoff(st.cfg, attempt)
		}

		if attempt == st.cfg.MaxAttempts {
			break
		}
		if g.metrics != nil {
			g.metrics.GatewayRetry(string(upstream))
		}
		logger.Debug("retrying upstream call",
			slog.String("upstream", string(upstream)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("cause", lastErr),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, goerr.Wrap(err, "backoff interrupted",
				goerr.T(types.ErrTagUpstreamTransient),
			)
		}
	}

	return nil, goerr.Wrap(lastErr, "retry budget exhausted",
		goerr.V("upstream", string(upstream)),
		goerr.V("attempts", st.cfg.MaxAttempts),
		goerr.T(types.ErrTagUpstreamPermanent),
	)
}

func (g *Gateway) acquireToken(ctx context.Context, upstream types.Upstream, st *upstreamState) error {
	waitCtx, cancel := context.WithTimeout(ctx, st.cfg.RateWaitTimeout)
	defer cancel()

	if err := st.limiter.Wait(waitCtx); err != nil {
		if g.metrics != nil {
			g.metrics.GatewayRateLimited(string(upstream))
		}
		return goerr.Wrap(err, "timed out waiting for rate limit token",
			goerr.V("upstream", string(upstream)),
			goerr.T(types.ErrTagRateLimited),
		)
	}
	return nil
}

func (g *Gateway) attempt(ctx context.Context, st *upstreamState, req *http.Request, base http.RoundTripper) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, st.cfg.AttemptTimeout)
	defer cancel()

	r := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	resp, err := base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	// keep the response usable after the attempt context is cancelled
	resp.Body = &cancelGuard{body: resp.Body, cancel: cancel}
	cancel = func() {}
	return resp, nil
}

// backoff computes the exponential delay with jitter for the given attempt
func (g *Gateway) backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay << (attempt - 1)
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// idempotent reports whether retrying the request cannot repeat a side
// effect on the upstream
func idempotent(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryable reports whether the transport error permits a retry. For
// non-idempotent requests only failures that provably happened before the
// request was sent qualify.
func retryable(req *http.Request, err error) bool {
	if idempotent(req) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		resp.Body.Close()
	}
}

// cancelGuard releases the attempt's context only after the caller is done
// with the body
type cancelGuard struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelGuard) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *cancelGuard) Close() error {
	err := c.body.Close()
	c.cancel()
	return err
}
