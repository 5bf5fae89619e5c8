// Package redact masks credentials in payloads before they reach logs or traces.
package redact

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

var sensitiveTokens = []string{
	"secret",
	"token",
	"authorization",
	"api_key",
	"password",
	"client_secret",
	"x_client_secret",
	"ws_token",
}

// IsSensitiveKey reports whether a field name carries credential material.
func IsSensitiveKey(key string) bool {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	for _, token := range sensitiveTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

// MaskValue replaces a secret with a marker keeping only its last four characters.
func MaskValue(value any) string {
	raw := fmt.Sprintf("%v", value)
	if len(raw) <= 4 {
		return "***"
	}
	return "***" + raw[len(raw)-4:]
}

// Payload walks maps and slices, masking every sensitive field.
func Payload(payload any) any {
	switch v := payload.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if IsSensitiveKey(key) {
				out[key] = MaskValue(value)
			} else {
				out[key] = Payload(value)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Payload(item)
		}
		return out
	default:
		return payload
	}
}

// JSON redacts a raw JSON document and re-serializes it. Documents that fail
// to parse are returned unchanged.
func JSON(raw []byte) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	redacted, err := json.Marshal(Payload(decoded))
	if err != nil {
		return string(raw)
	}
	return string(redacted)
}

// URL masks sensitive query parameter values in a URL string.
func URL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	changed := false
	for key, values := range query {
		if !IsSensitiveKey(key) {
			continue
		}
		for i, value := range values {
			values[i] = MaskValue(value)
		}
		query[key] = values
		changed = true
	}
	if !changed {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// Truncate bounds a log line, appending an explicit marker when cut.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "... [truncated]"
}
