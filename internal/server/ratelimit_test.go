package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newRateLimiter(0.001, 5)

	// First 5 requests should be allowed
	for i := 0; i < 5; i++ {
		if !rl.allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	// 6th request should be denied
	if rl.allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}

	// Different IP should be allowed
	if !rl.allow("192.168.1.2") {
		t.Error("Request from different IP should be allowed")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(10, 2)
	rl.now = func() time.Time { return now }

	if !rl.allow("192.168.1.1") || !rl.allow("192.168.1.1") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Error("Third request should be denied")
	}

	// 10 rps refills one token every 100ms.
	now = now.Add(110 * time.Millisecond)
	if !rl.allow("192.168.1.1") {
		t.Error("Request after refill should be allowed")
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.allow("192.168.1.1")
	rl.allow("192.168.1.2")

	now = now.Add(visitorIdle + time.Minute)
	rl.allow("192.168.1.3")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 1 {
		t.Errorf("expected 1 visitor after sweep, got %d", len(rl.visitors))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(0.001, 3)

	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))

	// First 3 requests should succeed
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/valid", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	// 4th request should be rate limited
	req := httptest.NewRequest("GET", "/valid", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		expected   string
	}{
		{
			name:       "RemoteAddr only",
			remoteAddr: "192.168.1.1:12345",
			expected:   "192.168.1.1",
		},
		{
			name:       "RemoteAddr IPv6",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "[2001:db8::1]",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1, 198.51.100.1, 192.0.2.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "127.0.0.1:12345",
			xri:        "203.0.113.5",
			expected:   "203.0.113.5",
		},
		{
			name:       "X-Forwarded-For takes precedence",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1",
			xri:        "203.0.113.5",
			expected:   "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			got := getClientIP(req)
			if got != tt.expected {
				t.Errorf("got %q, expected %q", got, tt.expected)
			}
		})
	}
}
