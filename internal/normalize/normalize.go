// Package normalize canonicalizes user-supplied broadcaster references.
package normalize

import (
	"net/url"
	"strings"
)

// Broadcaster accepts a Twitch user id, a login, or a twitch.tv URL and
// normalizes it to a single token (id or login) without surrounding punctuation.
// Returns "" when nothing usable remains.
func Broadcaster(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if parsed, err := url.Parse(value); err == nil {
			host := strings.ToLower(parsed.Host)
			if host == "twitch.tv" || strings.HasSuffix(host, ".twitch.tv") {
				if path := strings.Trim(parsed.Path, "/"); path != "" {
					value = strings.SplitN(path, "/", 2)[0]
				}
			}
		}
	}
	value = strings.TrimPrefix(strings.TrimSpace(value), "@")
	if i := strings.IndexByte(value, '/'); i >= 0 {
		value = value[:i]
	}
	if i := strings.IndexByte(value, '?'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

// IsNumericID reports whether the token looks like a Twitch numeric user id.
func IsNumericID(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
