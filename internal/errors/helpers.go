package errors

import (
	"fmt"
	"time"

	"postrelay/internal/models"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewPersistenceError creates a ledger or journal storage error
func NewPersistenceError(operation string, err error) *AppError {
	return Wrap(err, ErrCodePersistence, fmt.Sprintf("persistence %s failed", operation)).
		WithContext("operation", operation)
}

// NewRateLimitedError reports that no account could take the call
func NewRateLimitedError(accountID int, resetAt *time.Time) *AppError {
	appErr := New(ErrCodeRateLimited, "rate limit exceeded").
		WithContext("account_id", accountID).
		WithUserMessage("Too many requests, please try again later")
	if resetAt != nil {
		appErr = appErr.WithContext("reset_at", resetAt.UTC().Format(time.RFC3339))
	}
	return appErr
}

// FromPublishResult converts a failed publish into an AppError. Only transient
// failures are retryable; credential failures are configuration problems.
func FromPublishResult(res models.PublishResult) *AppError {
	if res.Success || res.ErrorKind == models.ErrorKindNone {
		return nil
	}

	var appErr *AppError
	switch res.ErrorKind {
	case models.ErrorKindRateLimited:
		var resetAt *time.Time
		if res.Limits != nil {
			resetAt = res.Limits.ResetAt
		}
		appErr = NewRateLimitedError(res.AccountID, resetAt)
	case models.ErrorKindUnauthorized:
		appErr = New(ErrCodeUnauthorized, "platform rejected credentials").
			WithUserMessage("Account credentials are invalid or expired")
	case models.ErrorKindForbidden:
		appErr = New(ErrCodeForbidden, "platform refused the request").
			WithUserMessage("Account lacks permission for this action")
	default:
		appErr = New(ErrCodeTransient, "platform call failed")
		appErr.Retryable = true
	}

	appErr = appErr.WithContext("account_id", res.AccountID)
	if res.Raw != "" {
		appErr = appErr.WithContext("raw", res.Raw)
	}
	return appErr
}

// IsConfigurationError reports whether err needs operator attention rather than a retry
func IsConfigurationError(err error) bool {
	switch GetCode(err) {
	case ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeInvalidConfig, ErrCodeMissingConfig:
		return true
	default:
		return false
	}
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	code := GetCode(err)

	switch code {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return 400 // Bad Request
	case ErrCodeUnauthorized:
		return 401 // Unauthorized
	case ErrCodeForbidden:
		return 403 // Forbidden
	case ErrCodeNotFound:
		return 404 // Not Found
	case ErrCodeRateLimited:
		return 429 // Too Many Requests
	case ErrCodeTimeout:
		return 408 // Request Timeout
	case ErrCodeTransient:
		return 502 // Bad Gateway
	case ErrCodePersistence:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

// HTTPErrorResponse is the standardized error body returned by the status server
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	if appErr, ok := As(err); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = GetUserMessage(err)
		if len(appErr.Context) > 0 {
			publicContext := make(map[string]interface{})
			for k, v := range appErr.Context {
				if k != "token" && k != "raw" {
					publicContext[k] = v
				}
			}
			if len(publicContext) > 0 {
				response.Error.Context = publicContext
			}
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
	}

	return response
}
