package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// SessionIDRegex validates session ID format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// ProviderNameRegex validates transport provider names
	ProviderNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// ValidateSessionID validates session ID
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > 128 {
		return fmt.Errorf("session ID is too long (max 128 characters)")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateIdentity validates a participant identity. Identities are display
// names or external user IDs, so any printable UTF-8 is accepted.
func ValidateIdentity(identity string) error {
	if err := ValidateNonEmptyString(identity, "identity"); err != nil {
		return err
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("identity contains invalid characters")
	}
	if identity != strings.TrimSpace(identity) {
		return fmt.Errorf("identity must not start or end with whitespace")
	}
	for _, r := range identity {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("identity contains control characters")
		}
	}
	return ValidateStringLength(identity, 1, 100, "identity")
}

// ValidateProviderName validates a transport provider name
func ValidateProviderName(name string) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(name) > 50 {
		return fmt.Errorf("provider name is too long (max 50 characters)")
	}
	if !ProviderNameRegex.MatchString(name) {
		return fmt.Errorf("invalid provider name (lowercase letters, digits, _ and - only)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateHTTPURL is ValidateURL restricted to http and https.
func ValidateHTTPURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	return nil
}

// ValidateWebSocketURL is ValidateURL restricted to ws and wss.
func ValidateWebSocketURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	if !strings.HasPrefix(urlStr, "ws://") && !strings.HasPrefix(urlStr, "wss://") {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	return nil
}

// ValidateBitrate validates bitrate value
func ValidateBitrate(bitrate int) error {
	if bitrate < 100 {
		return fmt.Errorf("bitrate must be at least 100 kbps")
	}
	if bitrate > 10000 {
		return fmt.Errorf("bitrate is too high (max 10000 kbps)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
