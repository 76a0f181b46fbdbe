package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	fscb "github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc is notified on every transition
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker guards calls to one external dependency. Consecutive
// failures open it; after the open timeout a single probe decides whether it
// closes again.
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	timeout     time.Duration
	cb          fscb.CircuitBreaker[any]
	logger      *logrus.Logger
	onChange    atomic.Pointer[StateChangeFunc]

	requests    atomic.Uint32
	successes   atomic.Uint32
	failures    atomic.Uint32
	rejected    atomic.Uint32
	lastFailure atomic.Int64
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithLogger(name, maxFailures, timeout, logrus.New())
}

// NewWithLogger creates a new circuit breaker with a custom logger
func NewWithLogger(name string, maxFailures uint32, timeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	if logger == nil {
		logger = logrus.New()
	}

	breaker := &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		logger:      logger,
	}

	breaker.cb = fscb.NewBuilder[any]().
		WithFailureThreshold(uint(maxFailures)).
		WithDelay(timeout).
		WithSuccessThreshold(1).
		OnStateChanged(func(event fscb.StateChangedEvent) {
			breaker.stateChanged(convertState(event.OldState), convertState(event.NewState))
		}).
		Build()

	return breaker
}

// OnStateChange registers a transition callback
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.onChange.Store(&fn)
}

func (cb *CircuitBreaker) stateChanged(from, to State) {
	entry := cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      from.String(),
		"state":           to.String(),
	})
	switch to {
	case StateOpen:
		entry.WithField("failures", cb.failures.Load()).Warn("Circuit breaker opened due to failures")
	case StateHalfOpen:
		entry.Info("Circuit breaker transitioned to half-open")
	case StateClosed:
		entry.Info("Circuit breaker closed after successful recovery")
	}

	if fn := cb.onChange.Load(); fn != nil && *fn != nil {
		(*fn)(cb.name, from, to)
	}
}

// Execute runs fn unless the breaker is open. Any error returned by fn counts
// as a failure, so callers return nil for outcomes that should not trip it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.requests.Add(1)

	err := failsafe.With(cb.cb).WithContext(ctx).Run(func() error {
		return fn(ctx)
	})

	switch {
	case err == nil:
		cb.successes.Add(1)
		return nil
	case errors.Is(err, fscb.ErrOpen):
		cb.rejected.Add(1)
		return &CircuitBreakerError{Name: cb.name, State: cb.GetState()}
	default:
		cb.failures.Add(1)
		cb.lastFailure.Store(time.Now().UnixNano())
		return err
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return convertState(cb.cb.State())
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	stats := Stats{
		Name:      cb.name,
		State:     cb.GetState(),
		Failures:  cb.failures.Load(),
		Requests:  cb.requests.Load(),
		Successes: cb.successes.Load(),
		Rejected:  cb.rejected.Load(),
	}
	if ns := cb.lastFailure.Load(); ns != 0 {
		stats.LastFailureTime = time.Unix(0, ns)
	}
	return stats
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	Rejected        uint32
	LastFailureTime time.Time
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

func convertState(state fscb.State) State {
	switch state {
	case fscb.OpenState:
		return StateOpen
	case fscb.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
