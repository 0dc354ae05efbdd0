package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		wantErr   bool
	}{
		{"valid", "session-123", false},
		{"uuid", "3f2b8c1e-9a4d-4c7e-8f1a-2b3c4d5e6f70", false},
		{"namespaced", "clinic:room.42", false},
		{"empty", "", true},
		{"with space", "session 1", true},
		{"with slash", "a/b", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.sessionID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		wantErr  bool
	}{
		{"simple", "alice", false},
		{"display name", "Dr. Anna Müller", false},
		{"email", "bob@example.com", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"padded", " alice", true},
		{"control char", "ali\x00ce", true},
		{"invalid utf8", "\xff\xfe", true},
		{"too long", strings.Repeat("é", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateProviderName(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  bool
	}{
		{"p2p", "p2p", false},
		{"hosted", "hosted-meet_eu", false},
		{"empty", "", true},
		{"uppercase", "Meet", true},
		{"leading dash", "-meet", true},
		{"too long", strings.Repeat("a", 51), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProviderName(tt.provider)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProviderName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://example.com", false},
		{"valid https", "https://example.com", false},
		{"valid ws", "ws://example.com", false},
		{"valid wss", "wss://example.com", false},
		{"empty", "", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no host", "http://", true},
		{"invalid format", "not a url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchemeRestrictions(t *testing.T) {
	if err := ValidateHTTPURL("https://rooms.example.com/v1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateHTTPURL("wss://relay.example.com/ws"); err == nil {
		t.Error("expected websocket URL to be rejected")
	}
	if err := ValidateWebSocketURL("wss://relay.example.com/ws"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateWebSocketURL("http://relay.example.com/ws"); err == nil {
		t.Error("expected http URL to be rejected")
	}
}

func TestValidateBitrate(t *testing.T) {
	tests := []struct {
		name    string
		bitrate int
		wantErr bool
	}{
		{"valid", 2500, false},
		{"minimum", 100, false},
		{"maximum", 10000, false},
		{"too low", 50, true},
		{"too high", 15000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBitrate(tt.bitrate)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBitrate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
