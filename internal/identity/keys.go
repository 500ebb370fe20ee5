package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// API keys are 32 random bytes, hex-encoded, behind an environment prefix.
// Only the SHA-256 digest is ever stored; the raw key is shown exactly once
// at registration.
const (
	keyPrefixLive = "sk_live_"
	keyPrefixTest = "sk_test_"
	keyRandomLen  = 32
)

// GenerateAPIKey returns a fresh raw key for the given environment
// ("live" selects sk_live_, anything else sk_test_) and its hash.
func GenerateAPIKey(env string) (raw, hash string, err error) {
	buf := make([]byte, keyRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}

	prefix := keyPrefixTest
	if env == "live" {
		prefix = keyPrefixLive
	}
	raw = prefix + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest of a raw key. The digest is
// what the agent record stores and what lookups key on.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// LooksLikeAPIKey is a cheap shape check used for input validation before
// hashing. It does not authenticate.
func LooksLikeAPIKey(raw string) bool {
	return strings.HasPrefix(raw, keyPrefixLive) || strings.HasPrefix(raw, keyPrefixTest)
}
