package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRingPlainAndHashed(t *testing.T) {
	hash, err := HashAPIKey("hashed-key")
	require.NoError(t, err)

	kr := NewKeyRing("plain-key", hash, "  ")
	assert.True(t, kr.Enabled())

	assert.NoError(t, kr.Validate("plain-key"))
	assert.NoError(t, kr.Validate("hashed-key"))
	assert.ErrorIs(t, kr.Validate("wrong"), ErrInvalidKey)
	assert.ErrorIs(t, kr.Validate(""), ErrMissingKey)
}

func TestMiddleware(t *testing.T) {
	kr := NewKeyRing("secret")
	h := kr.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"open path", "/health", "", http.StatusOK},
		{"missing header", "/v1/training-jobs", "", http.StatusUnauthorized},
		{"wrong key", "/v1/training-jobs", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/v1/training-jobs", "Bearer secret", http.StatusOK},
		{"scheme is case insensitive", "/v1/training-jobs", "bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestMiddlewareDisabledWithoutKeys(t *testing.T) {
	h := NewKeyRing().Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/anything", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
