package shared

import (
	"strings"
	"unicode"
)

// IdempotencyHeader carries the caller supplied key on retried requests.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// ResolveIdempotencyKey picks the header value over the body value and checks
// the key is usable.
func ResolveIdempotencyKey(header, body string) (string, error) {
	key := strings.TrimSpace(header)
	if key == "" {
		key = strings.TrimSpace(body)
	}
	if key == "" {
		return "", NewValidationError("idempotencyKey is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", NewValidationError("idempotencyKey must be at most 128 characters")
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", NewValidationError("idempotencyKey must not contain whitespace")
		}
	}
	return key, nil
}
