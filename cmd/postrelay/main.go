package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postrelay/internal/config"
	"postrelay/internal/constants"
	"postrelay/internal/database"
	"postrelay/internal/features"
	"postrelay/internal/ledger"
	"postrelay/internal/metrics"
	"postrelay/internal/models"
	"postrelay/internal/retry"
	"postrelay/internal/service"
	"postrelay/internal/tracing"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes post text previews)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("postrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting postrelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyLogLevel(logger, cfg.LogLevel, *verbose)
	if *verbose {
		logger.Info("Verbose logging enabled - post text previews will be logged")
	}
	for _, id := range config.MissingTokens(cfg) {
		logger.WithField(service.LogFieldAccountID, id).
			Warnf("No token set for account; set %s", config.TokenEnv(id))
	}

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	m := metrics.New()

	flags, err := features.FromConfig(cfg.Features)
	if err != nil {
		return fmt.Errorf("failed to load feature flags: %w", err)
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	journal := db != nil && flags.IsEnabled(features.FlagPendingJournal)

	store, err := newLedgerStore(ctx, cfg, afero.NewOsFs(), db, logger)
	if err != nil {
		return fmt.Errorf("failed to set up ledger store: %w", err)
	}
	defer func() {
		if err := store.close(); err != nil {
			logger.WithError(err).Warn("Failed to close ledger store")
		}
	}()

	quotas := ledger.New(ledger.Config{
		Accounts:      accountIDs(cfg),
		WindowCeiling: cfg.Ledger.WindowCeiling,
		Window:        time.Duration(cfg.Ledger.WindowMinutes) * time.Minute,
	}, logger, ledger.WithStore(store.store), ledger.WithObserver(m.ObserveLedger))
	quotas.Load(ctx)

	queue := service.NewPostingQueue(quotas, newClientFactory(cfg, m, logger),
		service.QueueOptionsFromConfig(cfg.Queue), logger, service.WithQueueMetrics(m))

	if journal {
		restorePending(ctx, db, queue, logger)
	}

	ctxWithVerbose := context.WithValue(ctx, service.VerboseContextKey, *verbose)
	g, gctx := errgroup.WithContext(ctxWithVerbose)

	if err := queue.Start(gctx); err != nil {
		return fmt.Errorf("failed to start posting worker: %w", err)
	}

	var checkpoints *cron.Cron
	if journal {
		interval := time.Duration(cfg.Database.JournalIntervalSec) * time.Second
		checkpoints, err = startJournalCheckpoints(db, queue, interval, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to schedule journal checkpoints; pending items are journaled at shutdown only")
		}
	}

	var watchdog *service.Watchdog
	if cfg.Watchdog.Enabled {
		watchdog = service.NewWatchdog(queue, logger, time.Duration(cfg.Watchdog.IntervalSec)*time.Second)
		if err := watchdog.Start(gctx); err != nil {
			logger.WithError(err).Warn("Failed to start watchdog")
			watchdog = nil
		}
	}

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(c *models.Config) {
		applyLogLevel(logger, c.LogLevel, *verbose)
	})
	g.Go(func() error {
		if err := watcher.Start(gctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
		return nil
	})

	server := NewServer(cfg.Server, queue, m, logger, WithFeatures(flags))
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	if watchdog != nil {
		watchdog.Stop()
	}
	queue.Stop()
	awaitInflight(queue, time.Duration(constants.DefaultGracefulShutdownSec)*time.Second, logger)

	if checkpoints != nil {
		<-checkpoints.Stop().Done()
	}
	if journal {
		savePending(db, queue, logger)
	}

	logger.Info("Shutdown completed")
	return runErr
}

// openDatabase opens the sqlite journal with retries. An empty path disables
// it unless the ledger needs it.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	if cfg.Database.Path == "" {
		if cfg.Ledger.Backend == "sqlite" {
			return nil, fmt.Errorf("sqlite ledger backend requires database.path")
		}
		logger.Info("No database path configured, pending items will not survive restarts")
		return nil, nil
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func restorePending(ctx context.Context, db *database.Database, queue *service.PostingQueue, logger *logrus.Logger) {
	items, err := db.LoadPending(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to load pending items, starting with an empty queue")
		return
	}
	if len(items) == 0 {
		return
	}

	restored := queue.Restore(items)
	logger.WithField(service.LogFieldCount, restored).Info("Restored pending items from journal")
}

// startJournalCheckpoints rewrites the journal from the queue every interval
// so a crash loses at most what changed since the last checkpoint.
func startJournalCheckpoints(db *database.Database, queue *service.PostingQueue, interval time.Duration, logger *logrus.Logger) (*cron.Cron, error) {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultJournalIntervalSec) * time.Second
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { savePending(db, queue, logger) }); err != nil {
		return nil, fmt.Errorf("failed to schedule journal checkpoints: %w", err)
	}
	c.Start()

	logger.WithField("interval", interval.String()).Info("Journal checkpoints scheduled")
	return c, nil
}

// awaitInflight gives a worker that outlived Stop the rest of the shutdown
// budget to finish its item, so the final journal reflects it.
func awaitInflight(queue *service.PostingQueue, budget time.Duration, logger *logrus.Logger) {
	if !queue.IsRunning() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := queue.Wait(ctx); err != nil {
		logger.WithError(err).Warn("Posting worker still busy; its item is journaled as pending")
	}
}

func savePending(db *database.Database, queue *service.PostingQueue, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending := queue.Pending()
	if len(pending) == 0 {
		if err := db.ClearPending(ctx); err != nil {
			logger.WithError(err).Error("Failed to clear pending journal")
		}
		return
	}
	if err := db.SavePending(ctx, pending); err != nil {
		logger.WithError(err).Error("Failed to journal pending items")
		return
	}
	logger.WithField(service.LogFieldCount, len(pending)).Debug("Journaled pending items")
}
