package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters, including line breaks, and truncates to
// limit runes so client-supplied values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a chi route pattern. Patterns keep order numbers and product
// ids out of log and metric labels.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method.
func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(method), 10)
}

// SanitizeUserID truncates a customer or staff uid.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}

// SanitizeHeaderValue cleans client headers such as Idempotency-Key before logging.
func SanitizeHeaderValue(value string) string {
	return sanitizeString(strings.TrimSpace(value), 128)
}
