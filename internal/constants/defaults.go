package constants

// Default rate-limit ledger values
const (
	DefaultWindowCeiling   = 50
	DefaultWindowMinutes   = 15
	DefaultLedgerFilePath  = "ledger.json"
	DefaultLedgerBackend   = "file"
	DefaultRedisKeyPrefix  = "postrelay:quota:"
	DefaultAccountTokenEnv = "POSTRELAY_ACCOUNT_%d_TOKEN"
)

// Default posting queue values
const (
	DefaultPollIntervalSec       = 5
	DefaultInterPostDelaySec     = 10
	DefaultCooldownMinutes       = 60
	DefaultInlineWaitMaxMinutes  = 15
	DefaultMaxAttempts           = 3
	DefaultBackoffInitialSec     = 10
	DefaultBackoffMultiplier     = 2.0
	DefaultBackoffMaxSec         = 300
	DefaultStartRetryDelaySec    = 30
	DefaultReauthIntervalMinutes = 10
	DefaultStopTimeoutSec        = 30
	DefaultThreadPriority        = 10
	DefaultPostPriority          = 0
)

// Default platform client values
const (
	DefaultPlatformBaseURL       = "https://api.twitter.com"
	DefaultHTTPTimeoutSec        = 30
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerOpenTimeoutSec = 60
	DefaultRawBodyLimit          = 512
)

// Default supervision and server values
const (
	DefaultWatchdogIntervalSec    = 120
	DefaultServerPort             = 8082
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultGracefulShutdownSec    = 30
	DefaultStatusStreamIntervalMs = 2000
	DefaultDatabaseRetryAttempts  = 3
	DefaultJournalIntervalSec     = 15
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 10000
)

// Privacy settings
const (
	DefaultTextPreviewLength = 24
	DefaultTokenMaskLength   = 4
)

// Journal encryption settings
const (
	EncryptionSalt            = "postrelay-journal-v1"
	EncryptionEnabledEnv      = "POSTRELAY_ENABLE_ENCRYPTION"
	EncryptionSecretEnv       = "POSTRELAY_ENCRYPTION_SECRET"
	MinEncryptionSecretLength = 32
	DefaultDatabasePath       = "postrelay.db"
)

// Enqueue request limits
const (
	MaxPostTextLength    = 280
	MaxThreadReplies     = 25
	MaxReplyToIDLength   = 32
	MaxPriority          = 100
	MaxRequestBodyBytes  = 64 * 1024
	RequestIDHeader      = "X-Request-ID"
	APITokenHeader       = "Authorization"
	APITokenBearerPrefix = "Bearer "
)
