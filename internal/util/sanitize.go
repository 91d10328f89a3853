// SPDX-License-Identifier: MIT

package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxStreamNameLength is the length a stream name is truncated to before
	// its characters are replaced; the "stream_" prefix given to a name that
	// starts with a digit is added after truncation and can exceed it.
	MaxStreamNameLength = 64

	// MaxRawInputLength is the maximum raw input length we'll process.
	// Inputs longer than this are immediately rejected to prevent
	// memory exhaustion from malicious inputs.
	MaxRawInputLength = 1024
)

// SanitizeStreamName sanitizes a camera/stream name for safe use in catalog
// keys and output file paths.
//
// Input validation:
//   - Empty input returns a timestamped fallback
//   - Input longer than 1024 bytes returns a timestamped fallback (security measure)
//   - Control characters (0x00-0x1F and 0x7F, except tab, newline and
//     carriage return) trigger a timestamped fallback
//
// Sanitization rules:
//  1. Reject suspicious patterns (path traversal, command injection): return timestamped fallback
//  2. Truncate to 64 characters maximum
//  3. Replace non-alphanumeric characters with underscore
//  4. Collapse consecutive underscores
//  5. Strip leading and trailing underscores
//  6. Prefix "stream_" if starts with digit
//  7. Return timestamped fallback if empty after sanitization
//
// Examples:
//
//	"Front Door"      → "Front_Door"
//	"cam-01 (garage)" → "cam_01_garage"
//	"5th-floor"       → "stream_5th_floor"
//	"../etc/passwd"   → "unknown_stream_1234567890"
//	""                → "unknown_stream_1234567890"
func SanitizeStreamName(name string) string {
	if name == "" {
		return timestampFallback()
	}

	// Security: reject excessively long input to prevent memory exhaustion.
	if len(name) > MaxRawInputLength {
		return timestampFallback()
	}

	// Security: reject input containing control characters (0x00-0x1F except tab/newline/CR, and 0x7F).
	if containsControlChars(name) {
		return timestampFallback()
	}

	// Security: reject suspicious patterns (path traversal, shell metacharacters).
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/$") ||
		strings.HasPrefix(name, "-") {
		return timestampFallback()
	}

	if len(name) > MaxStreamNameLength {
		name = name[:MaxStreamNameLength]
	}

	sanitized := replaceNonAlphanumeric(name)
	sanitized = collapseUnderscores(sanitized)
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "stream_" + sanitized
	}

	if sanitized == "" {
		return timestampFallback()
	}

	return sanitized
}

// replaceNonAlphanumeric replaces any character that is not a-z, A-Z, or 0-9 with underscore.
func replaceNonAlphanumeric(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			result.WriteByte(c)
		} else {
			result.WriteByte('_')
		}
	}

	return result.String()
}

// collapseUnderscores replaces consecutive underscores with a single underscore.
func collapseUnderscores(s string) string {
	re := regexp.MustCompile(`_+`)
	return re.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// timestampFallback returns "unknown_stream_" followed by the Unix timestamp.
func timestampFallback() string {
	return fmt.Sprintf("unknown_stream_%d", time.Now().Unix())
}

// containsControlChars reports whether s contains a control character
// (0x00-0x1F or 0x7F) other than tab, newline, or carriage return.
func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
