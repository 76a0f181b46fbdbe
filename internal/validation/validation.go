package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"postrelay/internal/constants"
	"postrelay/internal/errors"
)

// ValidatePostText checks that a post or reply body is non-blank and fits the
// platform's character limit.
func ValidatePostText(text, fieldName string) error {
	if strings.TrimSpace(text) == "" {
		return errors.NewValidationError(fieldName, fmt.Sprintf("%s cannot be empty", fieldName))
	}
	if !utf8.ValidString(text) {
		return errors.NewValidationError(fieldName, fmt.Sprintf("%s is not valid UTF-8", fieldName))
	}
	if n := utf8.RuneCountInString(text); n > constants.MaxPostTextLength {
		return errors.NewValidationError(fieldName,
			fmt.Sprintf("%s too long: %d characters (max %d)", fieldName, n, constants.MaxPostTextLength))
	}
	return nil
}

// ValidateReplyToID accepts an empty id or a numeric platform id
func ValidateReplyToID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > constants.MaxReplyToIDLength {
		return errors.NewValidationError("reply_to_id",
			fmt.Sprintf("reply_to_id too long (max %d characters)", constants.MaxReplyToIDLength))
	}
	for _, char := range id {
		if !unicode.IsDigit(char) {
			return errors.NewValidationError("reply_to_id", "reply_to_id must contain only digits")
		}
	}
	return nil
}

// ValidateThread checks the lead and every reply of a thread
func ValidateThread(lead string, replies []string) error {
	if err := ValidatePostText(lead, "lead"); err != nil {
		return err
	}
	if len(replies) > constants.MaxThreadReplies {
		return errors.NewValidationError("replies",
			fmt.Sprintf("too many replies: %d (max %d)", len(replies), constants.MaxThreadReplies))
	}
	for i, reply := range replies {
		if err := ValidatePostText(reply, fmt.Sprintf("replies[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePriority validates a caller-supplied post priority
func ValidatePriority(priority int) error {
	return ValidateNumericRange(priority, "priority", 0, constants.MaxPriority)
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.NewValidationError(fieldName,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}
