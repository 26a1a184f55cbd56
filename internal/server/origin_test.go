package server

import (
	"net/http/httptest"
	"testing"
)

// TestOriginAllowAllDefault verifies that the default configuration accepts
// any origin, matching the relay's authentication-free posture.
func TestOriginAllowAllDefault(t *testing.T) {
	defer SetConfig(nil)
	SetConfig(nil)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "http://anywhere.example")
	if !isOriginAllowed(r) {
		t.Error("Default config rejected an origin; expected allow-all")
	}
}

// TestOriginAllowList verifies that a configured allow-list is enforced,
// with case-insensitive normalization.
func TestOriginAllowList(t *testing.T) {
	defer SetConfig(nil)
	SetConfig(&Config{AllowedOrigins: []string{"http://chat.example.com"}})

	allowed := httptest.NewRequest("GET", "/ws", nil)
	allowed.Header.Set("Origin", "HTTP://Chat.Example.Com")
	if !isOriginAllowed(allowed) {
		t.Error("Allow-listed origin rejected despite case difference")
	}

	blocked := httptest.NewRequest("GET", "/ws", nil)
	blocked.Header.Set("Origin", "http://evil.example.com")
	if isOriginAllowed(blocked) {
		t.Error("Origin outside the allow-list was accepted")
	}
}

// TestOriginHeaderAbsent verifies that non-browser clients without an
// Origin header are let through.
func TestOriginHeaderAbsent(t *testing.T) {
	defer SetConfig(nil)
	SetConfig(&Config{AllowedOrigins: []string{"http://chat.example.com"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	if !isOriginAllowed(r) {
		t.Error("Request without an Origin header was rejected")
	}
}

// TestNormalizeOriginsInvalidEntries verifies that junk entries are dropped
// while valid ones survive.
func TestNormalizeOriginsInvalidEntries(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{"http://ok.example", "not a url", "", "*"})

	if !allowAll {
		t.Error("Wildcard entry not recognized")
	}
	if len(normalized) != 1 || normalized[0] != "http://ok.example" {
		t.Errorf("Unexpected normalized set: %v", normalized)
	}
}
