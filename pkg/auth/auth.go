// Package auth checks bearer API keys on the HTTP API.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// KeyRing holds the accepted API keys. Entries starting with "$2" are
// treated as bcrypt hashes, anything else as a plaintext key.
type KeyRing struct {
	mu     sync.RWMutex
	plain  []string
	hashed [][]byte
}

// NewKeyRing builds a key ring from plaintext keys and bcrypt hashes
func NewKeyRing(keys ...string) *KeyRing {
	kr := &KeyRing{}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

// Add accepts one more key or hash. Blank entries are ignored.
func (kr *KeyRing) Add(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if strings.HasPrefix(key, "$2") {
		kr.hashed = append(kr.hashed, []byte(key))
		return
	}
	kr.plain = append(kr.plain, key)
}

// Enabled reports whether any key is configured
func (kr *KeyRing) Enabled() bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.plain)+len(kr.hashed) > 0
}

// Validate checks key against every configured entry
func (kr *KeyRing) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	for _, p := range kr.plain {
		if SecureCompare(key, p) {
			return nil
		}
	}
	for _, h := range kr.hashed {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// Middleware rejects requests without a valid "Authorization: Bearer <key>"
// header. Paths listed in open skip the check.
func (kr *KeyRing) Middleware(open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || !kr.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if err := kr.Validate(BearerToken(r)); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to put in configuration instead of the key
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
