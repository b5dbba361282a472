// Package circuitbreaker stops outbound deliveries to an endpoint that keeps
// failing. Each endpoint moves closed → open → half-open independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the endpoint's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit state of one endpoint.
type State int

const (
	StateClosed   State = iota // deliveries flow
	StateOpen                  // deliveries rejected without a call
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
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atelier",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state transitions by endpoint and target state.",
}, []string{"endpoint", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per endpoint.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// allows a probe once cooldown has passed.
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
		now:       time.Now,
	}
}

// WithClock replaces the wall clock.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Do runs fn unless the endpoint's circuit is open. A nil error from fn
// closes the circuit; any other error counts as a failure.
func (b *Breaker) Do(endpoint string, fn func() error) error {
	if !b.allow(endpoint) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.failure(endpoint)
		return err
	}
	b.success(endpoint)
	return nil
}

// State reports the endpoint's current state. Unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[endpoint]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(endpoint, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[endpoint]
	if !ok {
		return
	}
	c.failures = 0
	b.move(endpoint, c, StateClosed)
}

func (b *Breaker) failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{}
		b.circuits[endpoint] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(endpoint, c, StateOpen)
	}
}

// move must be called with b.mu held.
func (b *Breaker) move(endpoint string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(endpoint, to.String()).Inc()
}
