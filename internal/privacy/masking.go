package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"postrelay/internal/constants"
)

// PreviewText shortens post text for logs while keeping enough to recognize it
// Example: "Market update: BTC up 4% on the day" -> "Market update: BTC up 4%…(35 chars)"
func PreviewText(text string) string {
	if text == "" {
		return ""
	}

	n := utf8.RuneCountInString(text)
	if n <= constants.DefaultTextPreviewLength {
		return text
	}

	runes := []rune(text)
	return fmt.Sprintf("%s…(%d chars)", string(runes[:constants.DefaultTextPreviewLength]), n)
}

// MaskToken hides a credential, showing only its last characters
// Example: "AAAAbearer1234" -> "**********1234"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "Bearer ")
	return maskString(token, constants.DefaultTokenMaskLength)
}

// MaskAccountName masks an account handle
// Example: "@market_bot" -> "@*******bot"
func MaskAccountName(name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "@") {
		return "@" + maskString(name[1:], 3)
	}
	return maskString(name, 3)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}

		switch k {
		case "token", "api_token", "authorization":
			masked[k] = MaskToken(s)
		case "text", "lead", "reply":
			masked[k] = PreviewText(s)
		case "account_name", "username", "handle":
			masked[k] = MaskAccountName(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
