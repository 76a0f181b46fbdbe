package service

// Logging Standards for postrelay
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the application.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldItemID     = "item_id"
	LogFieldItemKind   = "kind"
	LogFieldAccountID  = "account_id"
	LogFieldExternalID = "external_id"
	LogFieldReplyToID  = "reply_to_id"
	LogFieldChainID    = "chain_id"
	LogFieldChainSeq   = "chain_seq"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"

	// Queue and worker fields
	LogFieldState       = "state"
	LogFieldPriority    = "priority"
	LogFieldReplyIndex  = "reply_index"
	LogFieldQueueDepth  = "queue_depth"
	LogFieldResetAt     = "reset_at"
	LogFieldUntil       = "until"
	LogFieldTextPreview = "text_preview"

	// HTTP fields
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldSize       = "size"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldErrorKind  = "error_kind"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
	LogFieldDelay      = "delay"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed information for diagnosing problems. Only use in development or verbose mode.
//   - Selection decisions
//   - Idle polling
//   - Raw platform responses (truncated)
//
// INFO: General information about application flow and key events.
//   - Worker start/stop
//   - Items published
//   - Accounts verified
//
// WARN: Something unexpected happened, but the application can continue.
//   - Retryable publish failures
//   - Rate limiting and cooldowns
//   - Ledger persistence degraded
//   - Watchdog restarts
//
// ERROR: Error events that might still allow the application to continue.
//   - Items dropped after exhausting retries
//   - Rejected credentials
//   - Journal failures
