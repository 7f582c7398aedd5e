package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/brieflyhq/briefly/internal/cache"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewConnectionManager(cache.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	m.Connect(context.Background())
	t.Cleanup(m.Disconnect)
	return New(cache.NewStore(m)), mr
}

var tiny = Tier{Name: "tiny", Limit: 3, Window: time.Minute, Message: "slow down"}

func TestKey(t *testing.T) {
	if got := Key("general", "10.0.0.1"); got != "rl:general:10.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestAllowFixedWindow(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		d := l.Allow(ctx, tiny, "1.2.3.4")
		if !d.Allowed || d.Remaining != 3-i || d.Local {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	d := l.Allow(ctx, tiny, "1.2.3.4")
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("fourth request must be rejected, got %+v", d)
	}

	key := Key("tiny", "1.2.3.4")
	if got := mr.TTL(key); got != time.Minute {
		t.Fatalf("expected window expiry on the counter, got %v", got)
	}
	if v, _ := mr.Get(key); v != "4" {
		t.Fatalf("expected counter at 4, got %q", v)
	}

	// Another client has its own window.
	if d := l.Allow(ctx, tiny, "5.6.7.8"); !d.Allowed {
		t.Fatalf("other client must be allowed, got %+v", d)
	}

	mr.FastForward(time.Minute)
	if d := l.Allow(ctx, tiny, "1.2.3.4"); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}

func TestAllowRepairsMissingExpiry(t *testing.T) {
	l, mr := newTestLimiter(t)
	key := Key("tiny", "c")
	mr.Set(key, "1")

	l.Allow(context.Background(), tiny, "c")
	if got := mr.TTL(key); got != time.Minute {
		t.Fatalf("expected expiry restored, got %v", got)
	}
}

func TestAllowResetFromStoreTTL(t *testing.T) {
	l, mr := newTestLimiter(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow(context.Background(), tiny, "c")
	mr.FastForward(20 * time.Second)
	d := l.Allow(context.Background(), tiny, "c")
	if want := now.Add(40 * time.Second); !d.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestAllowFallsBackToLocal(t *testing.T) {
	l := New(cache.NewStore(nil))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Allow(ctx, tiny, "ip"); !d.Allowed || !d.Local {
			t.Fatalf("request %d: expected local allow, got %+v", i, d)
		}
	}
	if d := l.Allow(ctx, tiny, "ip"); d.Allowed {
		t.Fatalf("local window must still enforce the limit, got %+v", d)
	}

	now = now.Add(time.Minute)
	if d := l.Allow(ctx, tiny, "ip"); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected a fresh local window, got %+v", d)
	}
}

func TestLocalWindowsSweep(t *testing.T) {
	w := newLocalWindows()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w.allow("a", tiny, now)
	w.allow("b", tiny, now)
	if w.len() != 2 {
		t.Fatalf("expected 2 windows, got %d", w.len())
	}

	w.allow("c", tiny, now.Add(2*time.Minute))
	if w.len() != 1 {
		t.Fatalf("expired windows must be swept, got %d", w.len())
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t)
	h := Middleware(l, tiny, "/healthz", "/static/*")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := do("/summaries")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		if rec.Header().Get("RateLimit-Limit") != "3" {
			t.Fatalf("missing limit header: %v", rec.Header())
		}
	}

	rec := do("/summaries")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("RateLimit-Remaining") != "0" || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "slow down" || body["error"] != "rate_limit_exceeded" {
		t.Fatalf("unexpected body %v", body)
	}

	for _, path := range []string{"/healthz", "/static/app.js"} {
		if rec := do(path); rec.Code != http.StatusNoContent || rec.Header().Get("RateLimit-Limit") != "" {
			t.Fatalf("%s must not be limited, got %d %v", path, rec.Code, rec.Header())
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.7 "}, "10.0.0.2:1", "198.51.100.7"},
		{"remote v4", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"remote v6", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Fatalf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
