package models

// Config holds the application configuration
type Config struct {
	Platform PlatformConfig  `json:"platform" mapstructure:"platform"`
	Accounts []AccountConfig `json:"accounts" mapstructure:"accounts"`
	Queue    QueueConfig     `json:"queue" mapstructure:"queue"`
	Ledger   LedgerConfig    `json:"ledger" mapstructure:"ledger"`
	Database DatabaseConfig  `json:"database" mapstructure:"database"`
	Redis    RedisConfig     `json:"redis" mapstructure:"redis"`
	Watchdog WatchdogConfig  `json:"watchdog" mapstructure:"watchdog"`
	Server   ServerConfig    `json:"server" mapstructure:"server"`
	Tracing  TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Features FeaturesConfig  `json:"features" mapstructure:"features"`
	LogLevel string          `json:"log_level" mapstructure:"log_level"`
}

// PlatformConfig holds settings for the external posting platform
type PlatformConfig struct {
	APIBaseURL            string `json:"api_base_url" mapstructure:"api_base_url"`
	TimeoutSec            int    `json:"timeout_sec" mapstructure:"timeout_sec"`
	BreakerMaxFailures    int    `json:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerOpenTimeoutSec int    `json:"breaker_open_timeout_sec" mapstructure:"breaker_open_timeout_sec"`
}

// AccountConfig describes one credentialed identity. The token is never read
// from the config file; it comes from the environment.
type AccountConfig struct {
	ID    int    `json:"id" mapstructure:"id"`
	Name  string `json:"name" mapstructure:"name"`
	Token string `json:"-" mapstructure:"-"`
}

// QueueConfig holds posting queue timings and limits
type QueueConfig struct {
	PollIntervalSec       int `json:"poll_interval_sec" mapstructure:"poll_interval_sec"`
	InterPostDelaySec     int `json:"inter_post_delay_sec" mapstructure:"inter_post_delay_sec"`
	CooldownMinutes       int `json:"cooldown_minutes" mapstructure:"cooldown_minutes"`
	InlineWaitMaxMinutes  int `json:"inline_wait_max_minutes" mapstructure:"inline_wait_max_minutes"`
	MaxAttempts           int `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffInitialSec     int `json:"backoff_initial_sec" mapstructure:"backoff_initial_sec"`
	BackoffMaxSec         int `json:"backoff_max_sec" mapstructure:"backoff_max_sec"`
	StartRetryDelaySec    int `json:"start_retry_delay_sec" mapstructure:"start_retry_delay_sec"`
	ReauthIntervalMinutes int `json:"reauth_interval_minutes" mapstructure:"reauth_interval_minutes"`
	StopTimeoutSec        int `json:"stop_timeout_sec" mapstructure:"stop_timeout_sec"`
}

// LedgerConfig selects the ledger window and its persistence backend
type LedgerConfig struct {
	WindowCeiling int    `json:"window_ceiling" mapstructure:"window_ceiling"`
	WindowMinutes int    `json:"window_minutes" mapstructure:"window_minutes"`
	Backend       string `json:"backend" mapstructure:"backend"` // file, sqlite or redis
	Path          string `json:"path" mapstructure:"path"`
}

// DatabaseConfig holds sqlite settings; an empty path disables the journal
type DatabaseConfig struct {
	Path               string `json:"path" mapstructure:"path"`
	JournalIntervalSec int    `json:"journal_interval_sec" mapstructure:"journal_interval_sec"`
}

// RedisConfig holds settings for the shared ledger store
type RedisConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"-" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`
}

// WatchdogConfig controls the supervisory restart loop
type WatchdogConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	IntervalSec int  `json:"interval_sec" mapstructure:"interval_sec"`
}

// ServerConfig holds the status/enqueue HTTP server settings
type ServerConfig struct {
	Port     int    `json:"port" mapstructure:"port"`
	APIToken string `json:"-" mapstructure:"api_token"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	ServiceName    string  `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service_version"`
	Environment    string  `json:"environment" mapstructure:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample_rate"`
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	UseStdout      bool    `json:"use_stdout" mapstructure:"use_stdout"`
}

// FeaturesConfig toggles optional surfaces by flag name
type FeaturesConfig struct {
	Flags      map[string]bool `json:"flags" mapstructure:"flags"`
	EnableAll  bool            `json:"enable_all" mapstructure:"enable_all"`
	DisableAll bool            `json:"disable_all" mapstructure:"disable_all"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
