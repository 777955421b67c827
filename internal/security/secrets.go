package security

import (
	"fmt"
	"strings"
)

// PlaceholderToken is the value shipped in the example configuration.
const PlaceholderToken = "your-duckdns-token-here"

var placeholderTokens = map[string]bool{
	PlaceholderToken:  true,
	"your-token-here": true,
	"changeme":        true,
	"token":           true,
	"xxx":             true,
}

// ValidateToken rejects empty and placeholder provider credentials.
func ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if placeholderTokens[strings.ToLower(token)] {
		return fmt.Errorf("token appears to be a placeholder value, please use the real token")
	}
	return nil
}

// MaskSecret shows only the last four characters of a secret, for logs.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
