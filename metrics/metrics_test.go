package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthz(t *testing.T) {
	router := Router()

	SetReady(false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: status %d, want 503", rec.Code)
	}

	SetReady(true)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: status %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	HookDispatchTotal.Reset()
	HookDispatchTotal.WithLabelValues("rcpt", "DENY").Inc()

	if got := testutil.ToFloat64(HookDispatchTotal.WithLabelValues("rcpt", "DENY")); got != 1 {
		t.Errorf("counter = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rook_hooks_dispatch_total") {
		t.Error("dispatch counter missing from exposition")
	}
}
