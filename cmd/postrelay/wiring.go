package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"postrelay/internal/config"
	"postrelay/internal/constants"
	"postrelay/internal/database"
	apperrors "postrelay/internal/errors"
	"postrelay/internal/ledger"
	"postrelay/internal/metrics"
	"postrelay/internal/models"
	"postrelay/internal/service"
	"postrelay/pkg/circuitbreaker"
	"postrelay/pkg/platform"
	"postrelay/pkg/platform/types"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ledgerStore holds the persistence backend chosen for the ledger plus
// whatever needs closing at shutdown.
type ledgerStore struct {
	store ledger.Store
	close func() error
}

// newLedgerStore selects the ledger backend from configuration. The sqlite
// backend reuses db, which must be open.
func newLedgerStore(ctx context.Context, cfg *models.Config, fs afero.Fs, db *database.Database, logger *logrus.Logger) (*ledgerStore, error) {
	switch cfg.Ledger.Backend {
	case "", "file":
		path := cfg.Ledger.Path
		if path == "" {
			path = constants.DefaultLedgerFilePath
		}
		logger.WithField("path", path).Info("Using file ledger store")
		return &ledgerStore{store: ledger.NewFileStore(fs, path), close: func() error { return nil }}, nil

	case "sqlite":
		if db == nil {
			return nil, apperrors.NewConfigError("ledger.backend", "sqlite ledger requires an open database")
		}
		logger.Info("Using sqlite ledger store")
		return &ledgerStore{store: db.QuotaStore(), close: func() error { return nil }}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis ledger store unreachable at startup, ledger will run degraded until it recovers")
		}
		store := ledger.NewRedisStore(client, cfg.Redis.KeyPrefix)
		logger.WithField("key", store.Key()).Info("Using redis ledger store")
		return &ledgerStore{store: store, close: client.Close}, nil

	default:
		return nil, apperrors.NewConfigError("ledger.backend", fmt.Sprintf("unknown ledger backend %q", cfg.Ledger.Backend))
	}
}

// newClientFactory builds one platform client per account on demand, each
// with its own circuit breaker reporting into metrics. A missing token is a
// configuration error so the queue disables that account.
func newClientFactory(cfg *models.Config, m *metrics.Metrics, logger *logrus.Logger) service.ClientFactory {
	tokens := make(map[int]string, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		tokens[account.ID] = account.Token
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Platform.TimeoutSec) * time.Second}
	maxFailures := cfg.Platform.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerMaxFailures
	}
	openTimeout := time.Duration(cfg.Platform.BreakerOpenTimeoutSec) * time.Second
	if openTimeout <= 0 {
		openTimeout = time.Duration(constants.DefaultBreakerOpenTimeoutSec) * time.Second
	}

	var mu sync.Mutex
	breakers := make(map[int]*circuitbreaker.CircuitBreaker, len(tokens))

	return func(ctx context.Context, accountID int) (types.Client, error) {
		token, ok := tokens[accountID]
		if !ok {
			return nil, apperrors.NewConfigError("accounts", fmt.Sprintf("account %d is not configured", accountID))
		}
		if strings.TrimSpace(token) == "" {
			return nil, apperrors.NewConfigError(config.TokenEnv(accountID), "account token is not set").
				WithContext(service.LogFieldAccountID, accountID)
		}

		mu.Lock()
		breaker, ok := breakers[accountID]
		if !ok {
			breaker = circuitbreaker.NewWithLogger(fmt.Sprintf("platform-account-%d", accountID), uint32(maxFailures), openTimeout, logger)
			id := accountID
			breaker.OnStateChange(func(_ string, _, to circuitbreaker.State) {
				m.SetBreakerState(id, to)
			})
			m.SetBreakerState(id, breaker.GetState())
			breakers[accountID] = breaker
		}
		mu.Unlock()

		return platform.NewClientWithLogger(accountID, cfg.Platform.APIBaseURL, token, httpClient, breaker, logger), nil
	}
}

// applyLogLevel sets the configured level. Verbose forces debug; otherwise
// levels more detailed than info are capped at info.
func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

func accountIDs(cfg *models.Config) []int {
	ids := make([]int, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		ids = append(ids, account.ID)
	}
	return ids
}
