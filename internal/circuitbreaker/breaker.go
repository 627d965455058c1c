// Package circuitbreaker keeps a consecutive-failure breaker per endpoint so
// a dead webhook or collaborator is not hammered on every pass.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	}
	return "closed"
}

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New opens an endpoint's circuit after threshold consecutive failures and
// lets one trial call through after cooldown.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) Allow(endpoint string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		s = &endpointState{}
		cb.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// Do runs fn when the endpoint's circuit allows it and records the outcome.
func (cb *CircuitBreaker) Do(endpoint string, fn func() error) error {
	if err := cb.Allow(endpoint); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure(endpoint)
		return err
	}
	cb.RecordSuccess(endpoint)
	return nil
}

// State reports "closed", "open" or "half_open" for an endpoint.
func (cb *CircuitBreaker) State(endpoint string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[endpoint]; ok {
		return s.state.String()
	}
	return stateClosed.String()
}
