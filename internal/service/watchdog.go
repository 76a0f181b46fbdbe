package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postrelay/internal/constants"
	"postrelay/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Supervised is what the watchdog needs from the posting queue
type Supervised interface {
	Status() models.QueueStatus
	Start(ctx context.Context) error
}

// Watchdog restarts the posting worker whenever it is found not running
type Watchdog struct {
	queue    Supervised
	logger   *logrus.Logger
	interval time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	running  bool
	restarts atomic.Uint64
}

// NewWatchdog creates a watchdog. A non-positive interval uses the default.
func NewWatchdog(queue Supervised, logger *logrus.Logger, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultWatchdogIntervalSec) * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watchdog{
		queue:    queue,
		logger:   logger,
		interval: interval,
	}
}

// Start schedules the periodic check. ctx is handed to the queue on restart.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Warn("Watchdog is already running")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), func() { w.Check(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}
	c.Start()

	w.cron = c
	w.running = true
	w.logger.WithField("interval", w.interval.String()).Info("Watchdog started")
	return nil
}

// Stop cancels the schedule and waits for a check in progress
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	c := w.cron
	w.cron = nil
	w.running = false
	w.mu.Unlock()

	<-c.Stop().Done()
	w.logger.Info("Watchdog stopped")
}

// Check restarts the worker if it is not running. Safe to call concurrently
// with the schedule.
func (w *Watchdog) Check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	status := w.queue.Status()
	if status.WorkerRunning {
		w.logger.WithFields(logrus.Fields{
			LogFieldState:      status.State,
			LogFieldQueueDepth: status.PostQueueSize + status.ThreadQueueSize,
		}).Debug("Watchdog check passed")
		return
	}

	w.logger.WithFields(logrus.Fields{
		LogFieldQueueDepth: status.PostQueueSize + status.ThreadQueueSize,
	}).Warn("Posting worker is not running; restarting")

	if err := w.queue.Start(ctx); err != nil {
		w.logger.WithError(err).Error("Watchdog failed to restart posting worker")
		return
	}
	w.restarts.Add(1)
}

// Restarts returns how many times the watchdog restarted the worker
func (w *Watchdog) Restarts() uint64 {
	return w.restarts.Load()
}
