package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tool results re-enter model context verbatim, so a single image tool
// returning base64 data can blow the next request's token budget.
// Sanitization bounds every field before that happens.
const (
	maxResultTextLen  = 10000
	maxResultArrayLen = 20
	// Strings at least this long that look like base64 are treated
	// as binary payloads.
	binaryDetectMinLen = 1000
)

// SanitizeToolResult returns a deep copy of a tool result with binary
// payloads replaced by size placeholders, long text truncated and long
// arrays capped. The input is never mutated.
func SanitizeToolResult(result map[string]interface{}) map[string]interface{} {
	if result == nil {
		return nil
	}
	out, _ := sanitizeValue(result).(map[string]interface{})
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = sanitizeValue(item)
		}
		return out
	case []interface{}:
		items := val
		trimmed := 0
		if len(items) > maxResultArrayLen {
			trimmed = len(items) - maxResultArrayLen
			items = items[:maxResultArrayLen]
		}
		out := make([]interface{}, 0, len(items)+1)
		for _, item := range items {
			out = append(out, sanitizeValue(item))
		}
		if trimmed > 0 {
			out = append(out, fmt.Sprintf("[%d more items omitted]", trimmed))
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	if looksLikeBinary(s) {
		return fmt.Sprintf("[binary data omitted: %d bytes]", len(s))
	}
	if len(s) > maxResultTextLen {
		// Back up to a rune boundary so truncation never produces
		// invalid UTF-8.
		cut := maxResultTextLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + fmt.Sprintf("... [truncated, %d chars total]", len(s))
	}
	return s
}

func looksLikeBinary(s string) bool {
	if strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,") {
		return true
	}
	if len(s) < binaryDetectMinLen {
		return false
	}
	// Base64 blobs are long unbroken runs of the base64 alphabet.
	// Sampling the prefix is enough to spot them.
	sample := s
	if len(sample) > 512 {
		sample = sample[:512]
	}
	for _, r := range sample {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
