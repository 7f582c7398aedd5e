package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brieflyhq/briefly/internal/ai"
	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/ratelimit"
	"github.com/brieflyhq/briefly/internal/summary"
)

type fakeSummaries struct {
	err         error
	seen        map[string]bool
	invalidated []string
	history     map[string][]summary.Summary
}

func newFakeSummaries() *fakeSummaries {
	return &fakeSummaries{seen: map[string]bool{}, history: map[string][]summary.Summary{}}
}

func (f *fakeSummaries) Summarize(ctx context.Context, req summary.Request) (*summary.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	cached := f.seen[req.Text]
	f.seen[req.Text] = true
	return &summary.Summary{Title: req.Title, Text: "- " + req.Text, Length: 2, Cached: cached}, nil
}

func (f *fakeSummaries) Regenerate(ctx context.Context, req summary.Request) (*summary.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &summary.Summary{Title: req.Title, Text: "- fresh " + req.Text}, nil
}

func (f *fakeSummaries) History(ctx context.Context, ownerID string) []summary.Summary {
	return f.history[ownerID]
}

func (f *fakeSummaries) InvalidateOwner(ctx context.Context, ownerID string) int64 {
	f.invalidated = append(f.invalidated, ownerID)
	return 3
}

type fakeCache struct{ state cache.State }

func (f fakeCache) IsAvailable() bool  { return f.state == cache.StateReady }
func (f fakeCache) State() cache.State { return f.state }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateSummary(t *testing.T) {
	f := newFakeSummaries()
	h := NewRouter(ServerConfig{Summaries: f, Cache: fakeCache{cache.StateReady}})

	rec := do(t, h, http.MethodPost, "/summaries", `{"title":"T","summaryText":"hello world"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	resp := decode[summaryResponse](t, rec)
	if resp.Summary == nil || resp.Summary.Text != "- hello world" || resp.Summary.Cached {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(t, h, http.MethodPost, "/summaries", `{"summaryText":"hello world"}`)
	if resp := decode[summaryResponse](t, rec); !resp.Summary.Cached {
		t.Fatalf("expected cached flag on repeat, got %+v", resp.Summary)
	}
}

func TestCreateSummaryBadRequests(t *testing.T) {
	h := NewRouter(ServerConfig{Summaries: newFakeSummaries()})

	for _, body := range []string{`{`, `{"summaryText":"   "}`, `{}`} {
		rec := do(t, h, http.MethodPost, "/summaries", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if decode[map[string]string](t, rec)["error"] == "" {
			t.Fatalf("body %q: expected error message", body)
		}
	}
}

func TestSummaryErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{summary.ErrEmptyText, http.StatusBadRequest},
		{fmt.Errorf("failed to generate summary: %w", ai.ErrDisabled), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", ai.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFakeSummaries()
		f.err = tt.err
		h := NewRouter(ServerConfig{Summaries: f})
		rec := do(t, h, http.MethodPost, "/summaries/regenerate", `{"summaryText":"x"}`)
		if rec.Code != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}
}

func TestRegenerateSummary(t *testing.T) {
	h := NewRouter(ServerConfig{Summaries: newFakeSummaries()})
	rec := do(t, h, http.MethodPost, "/summaries/regenerate", `{"summaryText":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[summaryResponse](t, rec); resp.Summary.Text != "- fresh abc" {
		t.Fatalf("unexpected response %+v", resp.Summary)
	}
}

func TestOwnerRoutes(t *testing.T) {
	f := newFakeSummaries()
	f.history["42"] = []summary.Summary{{Text: "- a"}}
	h := NewRouter(ServerConfig{Summaries: f})

	rec := do(t, h, http.MethodGet, "/owners/42/summaries", "")
	if list := decode[[]summary.Summary](t, rec); len(list) != 1 || list[0].Text != "- a" {
		t.Fatalf("unexpected history %+v", list)
	}
	rec = do(t, h, http.MethodGet, "/owners/7/summaries", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body)
	}

	rec = do(t, h, http.MethodDelete, "/owners/42/cache", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["removed"] != float64(3) || body["ownerId"] != "42" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(f.invalidated) != 1 || f.invalidated[0] != "42" {
		t.Fatalf("unexpected invalidations %v", f.invalidated)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		cache  CacheStatus
		status string
		state  string
	}{
		{"ready", fakeCache{cache.StateReady}, "ok", "ready"},
		{"reconnecting", fakeCache{cache.StateReconnecting}, "degraded", "reconnecting"},
		{"no cache", nil, "ok", "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(ServerConfig{Summaries: newFakeSummaries(), Cache: tt.cache})
			rec := do(t, h, http.MethodGet, "/healthz", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("health must stay 200, got %d", rec.Code)
			}
			body := decode[map[string]string](t, rec)
			if body["status"] != tt.status || body["cache"] != tt.state {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestHealthReportsCacheAndAIDefaults(t *testing.T) {
	aiCfg := ai.DefaultConfig()
	aiCfg.Enabled = true
	aiCfg.APIKey = "sk-1234567890abcd"
	aiCfg.Model = "primary"
	aiCfg.FallbackModel = "backup"

	h := NewRouter(ServerConfig{
		Summaries: newFakeSummaries(),
		Cache:     fakeCache{cache.StateReady},
		Store:     cache.NewStore(nil, cache.WithDefaultTTL(2*time.Hour)),
		AI:        ai.NewService(aiCfg),
	})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	body := decode[healthResponse](t, rec)

	if body.Status != "ok" || body.CacheTTLSeconds != 7200 {
		t.Fatalf("unexpected cache health %+v", body)
	}
	if body.AI == nil || !body.AI.Enabled || body.AI.Model != "primary" || body.AI.FallbackModel != "backup" {
		t.Fatalf("unexpected ai health %+v", body.AI)
	}
	if body.AI.APIKey != "sk-1****abcd" {
		t.Fatalf("api key must be masked, got %q", body.AI.APIKey)
	}
}

func TestRequestID(t *testing.T) {
	h := NewRouter(ServerConfig{Summaries: newFakeSummaries()})

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
		t.Fatalf("expected generated uuid, got %q", rec.Header().Get(RequestIDHeader))
	}

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, id)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != id {
		t.Fatalf("expected incoming id echoed, got %q", rec.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\n")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got == "not a uuid\n" {
		t.Fatal("malformed ids must be replaced")
	}
}

func TestMetricsRoute(t *testing.T) {
	h := NewRouter(ServerConfig{Summaries: newFakeSummaries()})
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK && rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
}

func TestRateLimitedSummaries(t *testing.T) {
	limiter := ratelimit.New(cache.NewStore(nil))
	h := NewRouter(ServerConfig{
		Summaries:   newFakeSummaries(),
		Limiter:     limiter,
		GeneralTier: ratelimit.Tier{Name: "general", Limit: 100, Window: time.Minute},
		AITier:      ratelimit.Tier{Name: "ai", Limit: 2, Window: time.Minute, Message: "ai limit"},
	})

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/summaries", `{"summaryText":"x"}`); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/summaries", `{"summaryText":"x"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if decode[map[string]string](t, rec)["message"] != "ai limit" {
		t.Fatal("expected tier message in body")
	}

	// Other routes only count against the general tier.
	if rec := do(t, h, http.MethodGet, "/owners/1/summaries", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 outside the ai tier, got %d", rec.Code)
	}
	// Health is never limited.
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Header().Get("RateLimit-Limit") != "" {
		t.Fatal("health must not carry rate limit headers")
	}
}
