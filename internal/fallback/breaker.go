package fallback

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable is returned by [Client.Chat] while the breaker is open:
// the endpoint failed repeatedly and is not probed again until the cool-down
// has elapsed.
var ErrUnavailable = errors.New("fallback: endpoint unavailable")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every request.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects requests with [ErrUnavailable] until the cool-down
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe requests through. Any
	// failure re-opens; enough successes close.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open. Default: 15s.
	CoolDown time.Duration

	// Probes is the number of successful half-open requests needed to close
	// again. Default: 1.
	Probes int
}

// Breaker is a three-state circuit breaker around the fallback endpoint.
// It is safe for concurrent use.
type Breaker struct {
	maxFailures int
	coolDown    time.Duration
	probes      int
	now         func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   int
	probeWins int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 15 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probes:      cfg.Probes,
		now:         time.Now,
	}
}

// neutralError marks an outcome that says nothing about endpoint health.
type neutralError struct{ err error }

func (e neutralError) Error() string { return e.err.Error() }
func (e neutralError) Unwrap() error { return e.err }

// Neutral wraps err so that [Breaker.Do] records neither a failure nor a
// success for it. Do returns err itself, unwrapped.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return neutralError{err: err}
}

// Do runs fn unless the breaker is open. A non-nil error from fn counts as
// a failure and is returned unchanged, except an error built with [Neutral],
// which leaves the counters alone and frees the half-open slot it held.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrUnavailable
		}
		b.state = BreakerHalfOpen
		b.probing = 0
		b.probeWins = 0
		slog.Info("fallback: breaker half-open")
	case BreakerHalfOpen:
		if b.probing >= b.probes {
			b.mu.Unlock()
			return ErrUnavailable
		}
	}
	probe := b.state == BreakerHalfOpen
	if probe {
		b.probing++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	var neutral neutralError
	switch {
	case errors.As(err, &neutral):
		if probe && b.state == BreakerHalfOpen && b.probing > 0 {
			b.probing--
		}
		return neutral.err
	case err != nil:
		b.fail(probe)
	default:
		b.succeed(probe)
	}
	return err
}

// fail must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			slog.Warn("fallback: breaker opened", "consecutive_failures", b.failures)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.probeWins++
	if b.probeWins >= b.probes {
		b.state = BreakerClosed
		b.probing = 0
		b.probeWins = 0
		slog.Info("fallback: breaker closed")
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = 0
	b.probeWins = 0
}
