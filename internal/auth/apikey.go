// Package auth provides API key generation, hashing, and comparison
// utilities, CLI access token parsing, and signed web tokens used by the
// hub and the admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// GenerateAPIKey returns a cryptographically random, URL-safe API key string.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns a deterministic SHA-256 hex digest of key + pepper.
func HashAPIKey(key, pepper string) string {
	sum := sha256.Sum256([]byte(key + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AccessToken is a CLI credential: an API key optionally pinned to a
// namespace with a ":<namespace>" suffix.
type AccessToken struct {
	Key       string
	Namespace string
}

// ParseAccessToken splits "<key>[:<namespace>]". Generated keys never
// contain a colon, so the last colon separates the suffix.
func ParseAccessToken(raw string) AccessToken {
	raw = strings.TrimSpace(raw)
	i := strings.LastIndexByte(raw, ':')
	if i <= 0 || i == len(raw)-1 {
		return AccessToken{Key: strings.TrimSuffix(raw, ":")}
	}
	return AccessToken{Key: raw[:i], Namespace: raw[i+1:]}
}

// String formats the token back into its wire form.
func (t AccessToken) String() string {
	if t.Namespace == "" {
		return t.Key
	}
	return t.Key + ":" + t.Namespace
}
