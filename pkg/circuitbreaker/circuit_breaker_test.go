package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeeding(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected string
	}{
		{
			name:     "Closed state",
			state:    StateClosed,
			expected: "CLOSED",
		},
		{
			name:     "Open state",
			state:    StateOpen,
			expected: "OPEN",
		},
		{
			name:     "Half-open state",
			state:    StateHalfOpen,
			expected: "HALF_OPEN",
		},
		{
			name:     "Unknown state",
			state:    State(999),
			expected: "UNKNOWN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNew(t *testing.T) {
	cb := New("account-1", 3, time.Second*30)

	assert.NotNil(t, cb)
	assert.Equal(t, "account-1", cb.Name())
	assert.Equal(t, uint32(3), cb.maxFailures)
	assert.Equal(t, time.Second*30, cb.timeout)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NotNil(t, cb.logger)
}

func TestNewWithLogger_ZeroFailuresMeansOne(t *testing.T) {
	logger := quietLogger()
	cb := NewWithLogger("account-2", 0, time.Minute, logger)

	assert.Equal(t, uint32(1), cb.maxFailures)
	assert.Equal(t, logger, cb.logger)

	_ = cb.Execute(context.Background(), failing(errors.New("boom")))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestExecute_SuccessfulOperation(t *testing.T) {
	cb := NewWithLogger("account-1", 3, time.Second*30, quietLogger())

	err := cb.Execute(context.Background(), succeeding)

	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, uint32(1), stats.Requests)
	assert.Equal(t, uint32(1), stats.Successes)
	assert.Equal(t, uint32(0), stats.Failures)
	assert.True(t, stats.LastFailureTime.IsZero())
}

func TestExecute_FailedOperation(t *testing.T) {
	cb := NewWithLogger("account-1", 3, time.Second*30, quietLogger())
	expectedErr := errors.New("operation failed")

	err := cb.Execute(context.Background(), failing(expectedErr))

	assert.ErrorIs(t, err, expectedErr)
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, uint32(1), stats.Requests)
	assert.Equal(t, uint32(0), stats.Successes)
	assert.Equal(t, uint32(1), stats.Failures)
	assert.False(t, stats.LastFailureTime.IsZero())
}

func TestCircuitBreakerTripping(t *testing.T) {
	cb := NewWithLogger("account-1", 2, time.Second*30, quietLogger())
	ctx := context.Background()
	expectedErr := errors.New("operation failed")

	_ = cb.Execute(ctx, failing(expectedErr))
	assert.Equal(t, StateClosed, cb.GetState())

	_ = cb.Execute(ctx, failing(expectedErr))
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
	assert.Equal(t, uint32(1), cb.GetStats().Rejected)
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewWithLogger("account-1", 1, 50*time.Millisecond, quietLogger())
	ctx := context.Background()

	_ = cb.Execute(ctx, failing(errors.New("down")))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(80 * time.Millisecond)

	err := cb.Execute(ctx, succeeding)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	cb := NewWithLogger("account-1", 1, 50*time.Millisecond, quietLogger())
	ctx := context.Background()

	_ = cb.Execute(ctx, failing(errors.New("down")))
	time.Sleep(80 * time.Millisecond)

	err := cb.Execute(ctx, failing(errors.New("still down")))
	assert.Error(t, err)
	assert.False(t, IsCircuitBreakerError(err))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestOnStateChange(t *testing.T) {
	cb := NewWithLogger("account-1", 1, 50*time.Millisecond, quietLogger())

	var mu sync.Mutex
	var transitions []string
	cb.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	_ = cb.Execute(context.Background(), failing(errors.New("down")))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, "account-1:CLOSED->OPEN", transitions[0])
}

func TestCircuitBreakerError(t *testing.T) {
	err := &CircuitBreakerError{Name: "account-2", State: StateOpen}

	assert.Equal(t, "circuit breaker 'account-2' is OPEN", err.Error())
	assert.True(t, IsCircuitBreakerError(err))
	assert.True(t, IsCircuitBreakerError(errors.Join(errors.New("publish"), err)))
	assert.False(t, IsCircuitBreakerError(errors.New("plain")))
	assert.False(t, IsCircuitBreakerError(nil))
}

func TestConcurrentAccess(t *testing.T) {
	cb := NewWithLogger("account-1", 1000, time.Second, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = cb.Execute(ctx, succeeding)
				} else {
					_ = cb.Execute(ctx, failing(errors.New("flaky")))
				}
			}
		}(i)
	}
	wg.Wait()

	stats := cb.GetStats()
	assert.Equal(t, uint32(200), stats.Requests)
	assert.Equal(t, uint32(200), stats.Successes+stats.Failures)
}
