package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"postrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_NewUsesDefaultInterval(t *testing.T) {
	w := NewWatchdog(&mockSupervised{}, quietLogger(), 0)
	assert.Equal(t, 120*time.Second, w.interval)

	w = NewWatchdog(&mockSupervised{}, nil, time.Minute)
	assert.Equal(t, time.Minute, w.interval)
	assert.NotNil(t, w.logger)
}

func TestWatchdog_Check(t *testing.T) {
	tests := []struct {
		name         string
		status       models.QueueStatus
		startErr     error
		expectStart  bool
		wantRestarts uint64
	}{
		{
			name:   "running worker is left alone",
			status: models.QueueStatus{WorkerRunning: true, State: models.WorkerRunning},
		},
		{
			name:   "cooling down worker is left alone",
			status: models.QueueStatus{WorkerRunning: true, State: models.WorkerCoolingDown, RateLimited: true},
		},
		{
			name:         "stopped worker is restarted",
			status:       models.QueueStatus{State: models.WorkerStopped, PostQueueSize: 3},
			expectStart:  true,
			wantRestarts: 1,
		},
		{
			name:        "failed restart is not counted",
			status:      models.QueueStatus{State: models.WorkerStopped},
			startErr:    errors.New("posting worker is still finishing its current item"),
			expectStart: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &mockSupervised{}
			queue.On("Status").Return(tt.status)
			if tt.expectStart {
				queue.On("Start", mock.Anything).Return(tt.startErr).Once()
			}

			w := NewWatchdog(queue, quietLogger(), time.Minute)
			w.Check(context.Background())

			queue.AssertExpectations(t)
			if !tt.expectStart {
				queue.AssertNotCalled(t, "Start", mock.Anything)
			}
			assert.Equal(t, tt.wantRestarts, w.Restarts())
		})
	}
}

func TestWatchdog_CheckSkipsCancelledContext(t *testing.T) {
	queue := &mockSupervised{}
	w := NewWatchdog(queue, quietLogger(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Check(ctx)

	queue.AssertNotCalled(t, "Status")
	queue.AssertNotCalled(t, "Start", mock.Anything)
}

func TestWatchdog_RestartsStoppedQueue(t *testing.T) {
	f := newQueueFixture(t, fastOptions(), 1)
	f.verifyAll()

	w := NewWatchdog(f.queue, quietLogger(), time.Minute)
	w.Check(context.Background())

	assert.True(t, f.queue.IsRunning())
	assert.Equal(t, uint64(1), w.Restarts())

	// a second check while running is a no-op
	w.Check(context.Background())
	assert.Equal(t, uint64(1), w.Restarts())
}

func TestWatchdog_ScheduledCheck(t *testing.T) {
	f := newQueueFixture(t, fastOptions(), 1)
	f.verifyAll()

	w := NewWatchdog(f.queue, quietLogger(), time.Second)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.Eventually(t, f.queue.IsRunning, 5*time.Second, 20*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.Equal(t, uint64(1), w.Restarts())
}
