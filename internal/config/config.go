package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"postrelay/internal/constants"
	"postrelay/internal/features"
	"postrelay/internal/models"
	"postrelay/internal/security"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "POSTRELAY"
	environmentEnv = "POSTRELAY_ENV"
	minTokenLength = 32
)

var (
	ErrMissingAccounts    = models.ConfigError{Message: "at least one account is required"}
	ErrMissingPlatformURL = models.ConfigError{Message: "missing platform API base URL"}
	ErrMissingRedisAddr   = models.ConfigError{Message: "redis ledger backend requires redis.addr"}
	ErrMissingDBPath      = models.ConfigError{Message: "sqlite ledger backend requires database.path"}
)

// LoadConfig reads the config file at path, applies POSTRELAY_* environment
// overrides and account tokens, then validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config models.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyAccountTokens(&config)

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("platform.api_base_url", constants.DefaultPlatformBaseURL)
	v.SetDefault("platform.timeout_sec", constants.DefaultHTTPTimeoutSec)
	v.SetDefault("platform.breaker_max_failures", constants.DefaultBreakerMaxFailures)
	v.SetDefault("platform.breaker_open_timeout_sec", constants.DefaultBreakerOpenTimeoutSec)

	v.SetDefault("queue.poll_interval_sec", constants.DefaultPollIntervalSec)
	v.SetDefault("queue.inter_post_delay_sec", constants.DefaultInterPostDelaySec)
	v.SetDefault("queue.cooldown_minutes", constants.DefaultCooldownMinutes)
	v.SetDefault("queue.inline_wait_max_minutes", constants.DefaultInlineWaitMaxMinutes)
	v.SetDefault("queue.max_attempts", constants.DefaultMaxAttempts)
	v.SetDefault("queue.backoff_initial_sec", constants.DefaultBackoffInitialSec)
	v.SetDefault("queue.backoff_max_sec", constants.DefaultBackoffMaxSec)
	v.SetDefault("queue.start_retry_delay_sec", constants.DefaultStartRetryDelaySec)
	v.SetDefault("queue.reauth_interval_minutes", constants.DefaultReauthIntervalMinutes)
	v.SetDefault("queue.stop_timeout_sec", constants.DefaultStopTimeoutSec)

	v.SetDefault("ledger.window_ceiling", constants.DefaultWindowCeiling)
	v.SetDefault("ledger.window_minutes", constants.DefaultWindowMinutes)
	v.SetDefault("ledger.backend", constants.DefaultLedgerBackend)
	v.SetDefault("ledger.path", constants.DefaultLedgerFilePath)

	v.SetDefault("database.path", constants.DefaultDatabasePath)
	v.SetDefault("database.journal_interval_sec", constants.DefaultJournalIntervalSec)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", constants.DefaultRedisKeyPrefix)

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval_sec", constants.DefaultWatchdogIntervalSec)

	v.SetDefault("server.port", constants.DefaultServerPort)
	v.SetDefault("server.api_token", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "postrelay")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.use_stdout", false)
}

func validate(c *models.Config) error {
	if len(c.Accounts) == 0 {
		return ErrMissingAccounts
	}

	seen := make(map[int]bool, len(c.Accounts))
	for i, account := range c.Accounts {
		if account.ID <= 0 {
			return models.ConfigError{Message: fmt.Sprintf("account %d has no positive id", i)}
		}
		if seen[account.ID] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate account id: %d", account.ID)}
		}
		seen[account.ID] = true
	}

	if c.Platform.APIBaseURL == "" {
		return ErrMissingPlatformURL
	}
	if u, err := url.Parse(c.Platform.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid platform API base URL: %q", c.Platform.APIBaseURL)}
	}

	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	switch c.Ledger.Backend {
	case "", "file":
		c.Ledger.Backend = "file"
		if c.Ledger.Path == "" {
			c.Ledger.Path = constants.DefaultLedgerFilePath
		}
	case "sqlite":
		if c.Database.Path == "" {
			return ErrMissingDBPath
		}
	case "redis":
		if c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown ledger backend: %q", c.Ledger.Backend)}
	}

	if c.Ledger.WindowCeiling <= 0 {
		c.Ledger.WindowCeiling = constants.DefaultWindowCeiling
	}
	if c.Ledger.WindowMinutes <= 0 {
		c.Ledger.WindowMinutes = constants.DefaultWindowMinutes
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = constants.DefaultRedisKeyPrefix
	}
	if c.Database.JournalIntervalSec <= 0 {
		c.Database.JournalIntervalSec = constants.DefaultJournalIntervalSec
	}
	if c.Watchdog.IntervalSec <= 0 {
		c.Watchdog.IntervalSec = constants.DefaultWatchdogIntervalSec
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Platform.TimeoutSec <= 0 {
		c.Platform.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing sample rate must be within [0,1], got %v", c.Tracing.SampleRate)}
	}
	if err := features.ValidateConfig(c.Features); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid features: %v", err)}
	}

	return nil
}

// applyAccountTokens reads each account's token from POSTRELAY_ACCOUNT_<ID>_TOKEN
func applyAccountTokens(c *models.Config) {
	for i := range c.Accounts {
		c.Accounts[i].Token = os.Getenv(TokenEnv(c.Accounts[i].ID))
	}
}

// TokenEnv returns the environment variable holding the account's token
func TokenEnv(accountID int) string {
	return fmt.Sprintf(constants.DefaultAccountTokenEnv, accountID)
}

// MissingTokens lists the accounts configured without a token
func MissingTokens(c *models.Config) []int {
	var missing []int
	for _, account := range c.Accounts {
		if account.Token == "" {
			missing = append(missing, account.ID)
		}
	}
	return missing
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv(environmentEnv) == "production"

	if isProduction {
		if c.Server.APIToken == "" {
			return models.ConfigError{Message: "server API token is required in production (set POSTRELAY_SERVER_API_TOKEN)"}
		}
		if len(c.Server.APIToken) < minTokenLength {
			return models.ConfigError{Message: fmt.Sprintf("server API token must be at least %d characters long", minTokenLength)}
		}
		if missing := MissingTokens(c); len(missing) > 0 {
			return models.ConfigError{Message: fmt.Sprintf("accounts %v have no token in production", missing)}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Server.APIToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: server API token not set. Set POSTRELAY_SERVER_API_TOKEN to protect the enqueue endpoints.\n")
	}

	return nil
}
