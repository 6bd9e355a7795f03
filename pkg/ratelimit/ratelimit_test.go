package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter(t *testing.T) {
	limiter := NewLimiter(10, 2)

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"), "burst exhausted")
	assert.True(t, limiter.Allow("other"), "keys are independent")

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("k"), "token refilled")
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)
	h := limiter.Middleware(func(*http.Request) string { return "k" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/predict", nil))
		codes[i] = rr.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	assert.Equal(t, 1, limiter.Cleanup(5*time.Minute))
	assert.Equal(t, 1, limiter.Len())
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		auth   string
		want   string
	}{
		{"direct", "192.168.1.1:12345", "", "", "ip:192.168.1.1"},
		{"behind proxy", "127.0.0.1:12345", "203.0.113.1, 10.0.0.1", "", "ip:203.0.113.1"},
		{"api key wins", "127.0.0.1:12345", "", "Bearer abc", "key:Bearer abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			assert.Equal(t, tt.want, ClientKey(req))
		})
	}
}
