// Package circuitbreaker stops the gateway from hammering an upstream that is
// already failing. After a run of consecutive failures the breaker opens and
// requests fail fast; once the cooldown elapses a limited number of probes
// are let through to decide whether to close again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threatgate/security-gateway/internal/metrics"
)

// ErrOpen is returned by Allow while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold int
	// Probes is how many successes in half-open close the breaker, and how many
	// requests may be in flight while half-open.
	Probes   int
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Probes: 2, Cooldown: 30 * time.Second}
}

type Breaker struct {
	name string
	cfg  Config
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time

	nowFunc func() time.Time
}

func New(name string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	metrics.UpstreamCircuitState.WithLabelValues(name).Set(float64(Closed))
	return &Breaker{name: name, cfg: cfg, log: logger, nowFunc: time.Now}
}

// Allow reports whether a request may go upstream. Every admitted request
// must be followed by Success or Failure. While open, retryAfter is the
// remaining cooldown.
func (b *Breaker) Allow() (retryAfter time.Duration, err error) {
	if b.cfg.FailureThreshold <= 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := b.nowFunc().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return b.cfg.Cooldown - elapsed, ErrOpen
		}
		b.transition(HalfOpen)
		fallthrough
	case HalfOpen:
		if b.inFlight >= b.cfg.Probes {
			return b.cfg.Cooldown, ErrOpen
		}
		b.inFlight++
	}
	return 0, nil
}

func (b *Breaker) Success() {
	if b.cfg.FailureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.inFlight = max(b.inFlight-1, 0)
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.transition(Closed)
			b.log.Info().Str("upstream", b.name).Msg("circuit breaker recovered")
		}
	}
}

func (b *Breaker) Failure() {
	if b.cfg.FailureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.log.Error().Str("upstream", b.name).Int("failures", b.failures).Msg("circuit breaker opened")
			b.transition(Open)
		}
	case HalfOpen:
		b.log.Warn().Str("upstream", b.name).Msg("circuit breaker reopened after failed probe")
		b.transition(Open)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures, b.successes, b.inFlight = 0, 0, 0
	if to == Open {
		b.openedAt = b.nowFunc()
	}
	metrics.UpstreamCircuitState.WithLabelValues(b.name).Set(float64(to))
	metrics.UpstreamCircuitTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
