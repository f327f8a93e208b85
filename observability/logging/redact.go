package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder for sensitive fields in logs.
// Key material in particular must never reach the log stream, even at debug
// level.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"component": {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"deal":      {},
	"user":      {},
	"status":    {},
	"kind":      {},
	"tx":        {},
	"address":   {},
}

// IsAllowlisted reports whether the key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the
// key is explicitly allowlisted. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
