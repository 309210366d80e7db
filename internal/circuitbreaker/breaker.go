// Package circuitbreaker stops the forwarder from hammering destinations that
// keep failing at the network level.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Identifies the breaker in OnStateChange; the registry sets it to the host
	Name string
	// Consecutive failures that open the circuit. Default 5.
	MaxFailures int
	// Time the circuit stays open before one probe is let through. Default 30s.
	Timeout time.Duration
	// Probe successes needed to close again. Default 1.
	HalfOpenSuccess int
	// Called after every transition, outside the breaker's lock
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

type transition struct {
	from, to State
}

// Breaker for a single destination.
//
// Closed: calls pass; MaxFailures consecutive failures open it.
// Open: calls fail fast with ErrCircuitOpen until Timeout has passed.
// Half-open: one probe at a time; its failure reopens, enough successes close.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failures        int
	probeSuccesses  int
	probing         bool
	openedAt        time.Time
	lastFailureTime time.Time
	lastStateChange time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: cfg.Now(),
	}
}

// Runs fn unless the circuit is open. Any error from fn counts as a failure,
// so callers return only the errors that say something about the destination.
func (cb *CircuitBreaker) Call(fn func() error) error {
	probe, changed, err := cb.admit()
	cb.notify(changed)
	if err != nil {
		return err
	}

	err = fn()

	cb.notify(cb.record(probe, err))
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, changed []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) <= cb.cfg.Timeout {
			return false, nil, ErrCircuitOpen
		}
		changed = cb.setState(StateHalfOpen, changed)
		cb.probing = true
		return true, changed, nil
	case StateHalfOpen:
		if cb.probing {
			return false, nil, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil, nil
	}
	return false, nil, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) (changed []transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}

	if err != nil {
		cb.failures++
		cb.lastFailureTime = cb.cfg.Now()

		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			changed = cb.setState(StateOpen, changed)
		}
		return changed
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenSuccess {
			changed = cb.setState(StateClosed, changed)
		}
	case StateClosed:
		cb.failures = 0
	}
	return changed
}

// Caller holds mu
func (cb *CircuitBreaker) setState(to State, changed []transition) []transition {
	from := cb.state
	if from == to {
		return changed
	}

	cb.state = to
	cb.lastStateChange = cb.cfg.Now()

	switch to {
	case StateOpen:
		cb.openedAt = cb.lastStateChange
		cb.probeSuccesses = 0
	case StateHalfOpen:
		cb.probeSuccesses = 0
	case StateClosed:
		cb.failures = 0
		cb.probeSuccesses = 0
	}

	return append(changed, transition{from: from, to: to})
}

func (cb *CircuitBreaker) notify(changed []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range changed {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Closes the circuit regardless of its state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(StateClosed, nil)
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()

	cb.notify(changed)
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:           cb.state,
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

type Snapshot struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailure"`
	LastStateChange time.Time `json:"lastStateChange"`
}
