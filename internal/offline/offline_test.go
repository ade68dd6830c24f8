// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"testing"
)

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost:8081", true},
		{"api.localhost", true},
		{"127.0.0.1", true},
		{"127.10.0.1", true},
		{"::1", true},
		{"[::1]:8081", true},
		{"0:0:0:0:0:0:0:1", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"localhost.example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			if got := IsLocalhost(tc.host); got != tc.want {
				t.Errorf("IsLocalhost(%q) = %v, want %v", tc.host, got, tc.want)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		offline bool
		want    error
	}{
		{"remote online", "https://chat.example.com", false, nil},
		{"local offline", "http://localhost:8081", true, nil},
		{"loopback ip offline", "http://127.0.0.1:8081/", true, nil},
		{"remote offline", "https://chat.example.com", true, ErrNonLocalhost},
		{"file scheme", "file:///etc/passwd", false, ErrInvalidURL},
		{"ftp scheme", "ftp://localhost", false, ErrInvalidURLScheme},
		{"javascript", "javascript://localhost/alert(1)", true, ErrInvalidURLScheme},
		{"garbage", "://nope", false, ErrInvalidURL},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateURL(tc.url, tc.offline)
			if !errors.Is(err, tc.want) {
				t.Errorf("ValidateURL(%q, %v) = %v, want %v", tc.url, tc.offline, err, tc.want)
			}
		})
	}
}

func TestStatusIndicator(t *testing.T) {
	if StatusIndicator(true) != "OFFLINE" || StatusIndicator(false) != "ONLINE" {
		t.Error("unexpected status labels")
	}
}
