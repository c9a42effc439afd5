// Package circuitbreaker tracks per-provider health. A provider whose
// circuit is open is not offered as a fallback alternative until its open
// window elapses.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zoobzio/clockz"
)

// State of one provider's circuit.
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
		return "half_open"
	}
	return "unknown"
}

var circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "provider_circuit_state",
	Help: "Circuit state per provider (0 closed, 1 open, 2 half open).",
}, []string{"provider"})

// GetCircuitState exposes the circuit state gauge.
func GetCircuitState() *prometheus.GaugeVec { return circuitState }

// Config tunes a CircuitBreaker. Zero fields take the defaults.
type Config struct {
	FailureThreshold  int
	OpenTimeout       time.Duration
	HalfOpenSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 2
	}
	return c
}

type circuit struct {
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// CircuitBreaker keeps one circuit per provider id.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	clock    clockz.Clock
	logger   *slog.Logger
}

func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*circuit),
		clock:    clockz.RealClock,
		logger:   slog.Default(),
	}
}

// WithClock sets the clock that drives open windows.
func (cb *CircuitBreaker) WithClock(clock clockz.Clock) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// WithLogger sets the logger for state changes.
func (cb *CircuitBreaker) WithLogger(l *slog.Logger) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger = l
	return cb
}

// lookup must be called with mu held.
func (cb *CircuitBreaker) lookup(provider string) *circuit {
	c, ok := cb.circuits[provider]
	if !ok {
		c = &circuit{}
		cb.circuits[provider] = c
	}
	return c
}

// move must be called with mu held.
func (cb *CircuitBreaker) move(provider string, c *circuit, to State) {
	from := c.state
	c.state = to
	c.failures, c.successes = 0, 0
	if to == Open {
		c.openUntil = cb.clock.Now().Add(cb.cfg.OpenTimeout)
	}
	circuitState.WithLabelValues(provider).Set(float64(to))
	cb.logger.Info("provider_circuit_changed", "provider", provider, "from", from.String(), "to", to.String())
}

// IsHealthy reports whether provider may be offered. An open circuit whose
// window elapsed moves to half open and is healthy again.
func (cb *CircuitBreaker) IsHealthy(provider string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.lookup(provider)
	if c.state != Open {
		return true
	}
	if !cb.clock.Now().After(c.openUntil) {
		return false
	}
	cb.move(provider, c, HalfOpen)
	return true
}

// RecordFailure counts a failed payment attempt against provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.lookup(provider)
	switch c.state {
	case Closed:
		c.failures++
		if c.failures >= cb.cfg.FailureThreshold {
			cb.move(provider, c, Open)
		}
	case HalfOpen:
		cb.move(provider, c, Open)
	}
}

// RecordSuccess counts a succeeded payment attempt for provider.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.lookup(provider)
	switch c.state {
	case Closed:
		c.failures = 0
	case HalfOpen:
		c.successes++
		if c.successes >= cb.cfg.HalfOpenSuccesses {
			cb.move(provider, c, Closed)
		}
	}
}

// GetState returns the provider's state without moving Open to HalfOpen.
func (cb *CircuitBreaker) GetState(provider string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[provider]; ok {
		return c.state
	}
	return Closed
}
