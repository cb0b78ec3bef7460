// Package auth provides the credential primitives of the entitlement service:
// API key generation and shape checks, and signed session tokens.
// See internal/middleware/auth.go for the request-time logic that uses them.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 24

	// DefaultAPIKeyPrefix is used when no prefix is configured
	DefaultAPIKeyPrefix = "usio"
)

// GenerateAPIKey creates a new random API key "<prefix>_<48 hex chars>".
// Uniqueness is probabilistic; the store's primary key on api_keys.key backs it up.
func GenerateAPIKey(prefix string) (string, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(randomBytes), nil
}

// ValidateKeyFormat reports whether key has the exact shape GenerateAPIKey
// produces for prefix. It lets callers reject garbage without a store lookup.
func ValidateKeyFormat(prefix, key string) bool {
	rest, ok := strings.CutPrefix(key, prefix+"_")
	if !ok || len(rest) != APIKeyLength*2 {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ExtractAPIKeyFromHeader extracts the API key from an Authorization header
// Expected format: "Bearer usio_abc123..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}
