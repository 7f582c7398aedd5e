package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersAreNoopBeforeInit(t *testing.T) {
	promMetrics.Store(nil)

	RecordCacheOp("read", "ok")
	RecordFetch("hit")
	SetConnectionState(2)
	RecordReconnectAttempt()
	ObserveProducer("summary", time.Second)
	RecordRateLimit("ai", false)
	RecordAIRequest(200)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rec.Code)
	}
}

func TestCountersExposed(t *testing.T) {
	InitPrometheus("briefly", nil)
	defer promMetrics.Store(nil)

	RecordCacheOp("read", "miss")
	RecordCacheOp("read", "miss")
	RecordReconnectAttempt()
	SetConnectionState(4)
	RecordRateLimit("auth", false)

	pm := promMetrics.Load()
	if got := testutil.ToFloat64(pm.cacheOps.WithLabelValues("read", "miss")); got != 2 {
		t.Fatalf("expected 2 read misses, got %v", got)
	}
	if got := testutil.ToFloat64(pm.connectionState); got != 4 {
		t.Fatalf("expected state gauge 4, got %v", got)
	}
	if got := testutil.ToFloat64(pm.rateLimitDecisions.WithLabelValues("auth", "limited")); got != 1 {
		t.Fatalf("expected 1 limited decision, got %v", got)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "briefly_cache_reconnect_attempts_total 1") {
		t.Fatalf("reconnect counter missing from exposition:\n%s", body)
	}
}
