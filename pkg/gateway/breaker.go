package gateway

import (
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ErrCircuitOpen is returned while an upstream's breaker refuses calls
var ErrCircuitOpen = goerr.New("upstream circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a consecutive-failure circuit breaker for one upstream. After
// threshold failures it opens for the cooldown period, then admits a single
// probe call in half-open state.
type breaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
	threshold           int
	cooldown            time.Duration
	now                 func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

// State reports the breaker position for health reporting
func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "ok"
	}
}

func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case breakerHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.consecutiveFailures = 0
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
