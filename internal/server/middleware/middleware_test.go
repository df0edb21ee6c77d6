package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(WithPerMinute(1), WithBurst(2))
	defer rl.Close()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst requests should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("keys must not share a bucket")
	}
	if got := rl.Remaining("a"); got != 0 {
		t.Errorf("Remaining(a) = %d, want 0", got)
	}
	if got := rl.Remaining("unknown"); got != 2 {
		t.Errorf("Remaining(unknown) = %d, want 2", got)
	}

	rl.Reset("a")
	if !rl.Allow("a") {
		t.Error("Reset should refill the bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Close()

	rl.Allow("stale")
	rl.cleanup(time.Now().Add(2 * DefaultIdle))

	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets = %d after cleanup, want 0", n)
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := NewRateLimiter(WithPerMinute(30))
	defer rl.Close()
	if got := rl.RetryAfter(); got != 2*time.Second {
		t.Errorf("RetryAfter() = %v, want 2s", got)
	}
}

func TestRateLimit_Middleware(t *testing.T) {
	rl := NewRateLimiter(WithPerMinute(1), WithBurst(1))
	defer rl.Close()

	handler := RateLimit(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/start", nil)
		req.RemoteAddr = "127.0.0.1:50000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit = %q", first.Header().Get("X-RateLimit-Limit"))
	}

	second := do()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", second.Header().Get("Retry-After"))
	}
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "192.168.1.5:1234", want: "192.168.1.5"},
		{addr: "[::1]:8080", want: "::1"},
		{addr: "no-port", want: "no-port"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.addr
			req.Header.Set("X-Forwarded-For", "10.0.0.1")
			if got := RemoteIP(req); got != tt.want {
				t.Errorf("RemoteIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginChecker_Allowed(t *testing.T) {
	oc := NewOriginChecker([]string{"https://dash.example.com/", "*.trading.dev"})

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "http://localhost:5173", want: true},
		{origin: "http://127.0.0.1:3000", want: true},
		{origin: "http://app.localhost", want: true},
		{origin: "https://dash.example.com", want: true},
		{origin: "https://other.example.com", want: false},
		{origin: "https://ui.trading.dev", want: true},
		{origin: "https://trading.dev", want: false},
		{origin: "https://eviltrading.dev", want: false},
		{origin: "not a url", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := oc.Allowed(tt.origin); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestOriginChecker_CORS(t *testing.T) {
	oc := NewOriginChecker(nil)
	handler := oc.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{name: "preflight localhost", method: http.MethodOptions, origin: "http://localhost:5173", wantStatus: http.StatusNoContent, wantAllow: "http://localhost:5173"},
		{name: "foreign origin", method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusTeapot},
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/sessions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("allow origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}
