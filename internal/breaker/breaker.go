// Package breaker implements per-operation circuit breakers. Each named
// protected operation gets its own state machine; state is process-local,
// so every worker instance protects itself independently.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) String() string { return string(s) }

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a
	// closed circuit.
	DefaultFailureThreshold = 5
	// DefaultSuccessThreshold is the probe-success count that closes a
	// half-open circuit.
	DefaultSuccessThreshold = 2
	// DefaultOpenTimeout is how long an open circuit fast-fails before
	// letting a probe through.
	DefaultOpenTimeout = 60 * time.Second
)

// ErrOpen is returned without invoking the protected operation while the
// circuit is open and its cool-down has not elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// Circuit is a point-in-time snapshot of one named circuit.
type Circuit struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
	NextAttemptTime time.Time `json:"nextAttemptTime,omitzero"`
}

// StateChangeListener is notified after a circuit transitions. Called
// outside the circuit lock; implementations must be fast and non-blocking.
type StateChangeListener func(name string, from State, to State)

// Registry owns the named circuits of one pipeline instance. It is
// dependency-injected, never ambient, so separate pipelines (and tests)
// never share breaker state.
type Registry struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit
	listener StateChangeListener

	now func() time.Time
}

type circuit struct {
	mu sync.Mutex

	name            string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		openTimeout:      DefaultOpenTimeout,
		circuits:         make(map[string]*circuit),
		now:              time.Now,
	}
}

// SetStateChangeListener registers the transition callback. At most one
// listener is supported; the last registration wins.
func (r *Registry) SetStateChangeListener(listener StateChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = listener
}

// Execute runs op through the named circuit: fast-fails with ErrOpen when
// the circuit is open, otherwise invokes op exactly once, feeds the outcome
// back into the state machine, and returns op's error unchanged. Execute
// never retries; retry policy is a separate, higher-level concern.
func (r *Registry) Execute(name string, op func() error) error {
	c := r.circuit(name)

	if err := r.allow(c); err != nil {
		return err
	}

	err := op()
	r.record(c, err == nil)
	return err
}

// Get returns a snapshot of the named circuit and whether it exists.
func (r *Registry) Get(name string) (Circuit, bool) {
	r.mu.Lock()
	c, ok := r.circuits[name]
	r.mu.Unlock()

	if !ok {
		return Circuit{}, false
	}
	return c.snapshot(), true
}

// AllCircuits returns snapshots of every known circuit, for the health
// surface.
func (r *Registry) AllCircuits() []Circuit {
	r.mu.Lock()
	circuits := make([]*circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		circuits = append(circuits, c)
	}
	r.mu.Unlock()

	snapshots := make([]Circuit, 0, len(circuits))
	for _, c := range circuits {
		snapshots = append(snapshots, c.snapshot())
	}
	return snapshots
}

func (r *Registry) circuit(name string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[name]
	if !ok {
		c = &circuit{name: name, state: StateClosed}
		r.circuits[name] = c
	}
	return c
}

// stateChange is a listener notification collected while the circuit lock
// is held and delivered after it is released.
type stateChange struct {
	name string
	from State
	to   State
}

func (r *Registry) allow(c *circuit) error {
	c.mu.Lock()

	var change stateChange
	var changed bool
	defer func() {
		c.mu.Unlock()
		if changed {
			r.notify(change)
		}
	}()

	switch c.state {
	case StateOpen:
		if r.now().Before(c.nextAttemptTime) {
			return fmt.Errorf("%w: %s", ErrOpen, c.name)
		}
		// Cool-down elapsed; this call becomes the first trial probe.
		change, changed = r.transition(c, StateHalfOpen)
		c.successCount = 0
		return nil
	default:
		return nil
	}
}

func (r *Registry) record(c *circuit, success bool) {
	c.mu.Lock()

	var change stateChange
	var changed bool
	defer func() {
		c.mu.Unlock()
		if changed {
			r.notify(change)
		}
	}()

	switch c.state {
	case StateClosed:
		if success {
			c.failureCount = 0
			return
		}
		c.failureCount++
		c.lastFailureTime = r.now()
		if c.failureCount >= r.failureThreshold {
			change, changed = r.open(c)
		}
	case StateHalfOpen:
		if success {
			c.successCount++
			if c.successCount >= r.successThreshold {
				change, changed = r.transition(c, StateClosed)
				c.failureCount = 0
				c.successCount = 0
			}
			return
		}
		// One failed probe re-opens regardless of counters.
		c.lastFailureTime = r.now()
		change, changed = r.open(c)
	case StateOpen:
		// A probe raced another probe's failure; the circuit is already
		// open again, only bookkeeping remains.
		if !success {
			c.lastFailureTime = r.now()
		}
	}
}

// open must run with c.mu held.
func (r *Registry) open(c *circuit) (stateChange, bool) {
	change, changed := r.transition(c, StateOpen)
	c.nextAttemptTime = r.now().Add(r.openTimeout)
	return change, changed
}

// transition must run with c.mu held. It only mutates state; the caller
// notifies the listener once the lock is released, so listeners may call
// back into the registry.
func (r *Registry) transition(c *circuit, to State) (stateChange, bool) {
	from := c.state
	if from == to {
		return stateChange{}, false
	}
	c.state = to
	return stateChange{name: c.name, from: from, to: to}, true
}

func (r *Registry) notify(change stateChange) {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener != nil {
		listener(change.name, change.from, change.to)
	}
}

func (c *circuit) snapshot() Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Circuit{
		Name:            c.name,
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		LastFailureTime: c.lastFailureTime,
		NextAttemptTime: c.nextAttemptTime,
	}
}
