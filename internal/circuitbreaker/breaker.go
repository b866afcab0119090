// Package circuitbreaker guards the outbound calls to the trips service
// and webhook endpoints. Each key (a host or endpoint) gets its own
// circuit so one broken partner does not block the rest.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of a single circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // tripped, requests rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trailpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state     State
	failures  int
	trippedAt time.Time
}

// Breaker trips a key's circuit open after threshold consecutive
// failures. After cooldown it lets a single probe through; the probe's
// outcome decides whether the circuit closes again or re-opens.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New builds a Breaker. Non-positive arguments fall back to 5 failures
// and a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a request to key may go out. An open circuit
// past its cooldown flips to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if time.Since(c.trippedAt) >= b.cooldown {
			b.shift(key, c, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.shift(key, c, StateClosed)
	}
	c.failures = 0
}

// RecordFailure extends the failure streak, tripping the circuit when the
// streak reaches the threshold. A failed probe re-opens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	c.trippedAt = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.shift(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.shift(key, c, StateOpen)
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// shift moves a circuit to a new state. Caller holds b.mu.
func (b *Breaker) shift(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
