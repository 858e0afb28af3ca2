package errors

import (
	"strings"

	"github.com/tidwall/gjson"
)

// maxErrorBodyLength caps the parsed message so a pathological upstream body
// cannot flood logs or client responses.
const maxErrorBodyLength = 2048

// ParseUpstreamError extracts a clean, human-readable message from an upstream
// error body. Known JSON shapes are probed in priority order; anything else is
// returned as trimmed raw text.
func ParseUpstreamError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error_msg", "error", "message"} {
			if res := gjson.GetBytes(body, path); res.Exists() && res.Type == gjson.String && res.String() != "" {
				return truncateString(strings.TrimSpace(res.String()), maxErrorBodyLength)
			}
		}
	}

	return truncateString(trimmed, maxErrorBodyLength)
}

// truncateString shortens s to at most maxLength bytes.
func truncateString(s string, maxLength int) string {
	if len(s) > maxLength {
		return s[:maxLength]
	}
	return s
}
