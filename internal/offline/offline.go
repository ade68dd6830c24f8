// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrInvalidURL is returned for URLs that do not parse or lack a host.
	ErrInvalidURL = errors.New("invalid service URL")

	// ErrInvalidURLScheme is returned when the scheme is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https service URLs are allowed")

	// ErrNonLocalhost is returned for a remote host while offline.
	ErrNonLocalhost = errors.New("offline mode: only localhost service URLs are allowed")
)

// IsLocalhost reports whether host (optionally with a port or IPv6
// brackets) names the loopback interface.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateURL checks a service base URL. Scheme and host are always
// validated; the loopback restriction applies only when offline is set.
func ValidateURL(rawURL string, offline bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}

	if offline && !IsLocalhost(parsed.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// StatusIndicator returns a short label for status lines.
func StatusIndicator(offline bool) string {
	if offline {
		return "OFFLINE"
	}
	return "ONLINE"
}
