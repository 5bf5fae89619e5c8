// Package netguard holds the request-IP allow list and the SSRF guard applied
// to consumer-supplied webhook targets.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// ResolveClientIP picks the caller address, honoring X-Forwarded-For only when
// the deployment explicitly trusts the fronting proxy.
func ResolveClientIP(r *http.Request, trustXForwardedFor bool) string {
	if trustXForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPAllowlist is a set of networks client addresses must fall in.
// An empty allow list admits everyone.
type IPAllowlist struct {
	networks []netip.Prefix
}

// ParseIPAllowlist parses a CSV of IPs and CIDRs. Bare IPs become /32 (or /128)
// prefixes. Invalid entries are rejected.
func ParseIPAllowlist(raw string) (*IPAllowlist, error) {
	list := &IPAllowlist{}
	for _, part := range strings.Split(raw, ",") {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(value); err == nil {
			list.networks = append(list.networks, prefix)
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("invalid allow list entry %q: %w", value, err)
		}
		list.networks = append(list.networks, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// Allowed reports whether the client IP may connect.
func (l *IPAllowlist) Allowed(clientIP string) bool {
	if l == nil || len(l.networks) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, network := range l.networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func isPublicAddr(addr netip.Addr) bool {
	return !(addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && addr.As4()[0] >= 240)) // 240.0.0.0/4 reserved, incl. broadcast
}

func hostMatchesAllowlist(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	for _, allowed := range allowlist {
		if normalized == allowed || strings.HasSuffix(normalized, "."+allowed) {
			return true
		}
	}
	return false
}

// ParseHostSuffixAllowlist splits the CSV of allowed webhook host suffixes.
func ParseHostSuffixAllowlist(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if value := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(part)), "."); value != "" {
			out = append(out, value)
		}
	}
	return out
}

// ValidateWebhookTarget rejects consumer-supplied webhook URLs that could
// reach non-public or disallowed destinations. Returns a descriptive error
// suitable for a 422 response body.
func ValidateWebhookTarget(ctx context.Context, rawURL string, allowedSuffixes []string, blockPrivate bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook_url is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook_url must use http or https")
	}
	if parsed.User != nil {
		return fmt.Errorf("webhook_url must not contain userinfo credentials")
	}
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(parsed.Hostname())), ".")
	if host == "" {
		return fmt.Errorf("webhook_url host is required")
	}
	if !hostMatchesAllowlist(host, allowedSuffixes) {
		return fmt.Errorf("webhook_url host is not allowed by APP_WEBHOOK_TARGET_ALLOWLIST")
	}
	if !blockPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !isPublicAddr(addr) {
			return fmt.Errorf("webhook_url target IP must be public")
		}
		return nil
	}

	if strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") ||
		host == "localhost" {
		return fmt.Errorf("webhook_url target host is not public")
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("webhook_url host resolution failed: %v", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook_url host resolution returned no addresses")
	}
	for _, resolved := range addrs {
		addr, ok := netip.AddrFromSlice(resolved.IP)
		if !ok {
			continue
		}
		if !isPublicAddr(addr.Unmap()) {
			return fmt.Errorf("webhook_url target host resolves to a non-public address")
		}
	}
	return nil
}
