package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"oauth2gate/flow"
)

func TestRecorderCounts(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	m.AuthorizationStarted("google")
	m.AuthorizationStarted("google")
	m.CallbackFinished("google", "success")
	m.CallbackFinished("google", "csrf_mismatch")
	m.ExchangeObserved("google", 120*time.Millisecond, nil)
	m.ExchangeObserved("google", time.Second, flow.ErrInvalidGrant)

	if got := testutil.ToFloat64(m.authorizations.WithLabelValues("google")); got != 2 {
		t.Fatalf("expected 2 authorizations, got %v", got)
	}
	if got := testutil.ToFloat64(m.callbacks.WithLabelValues("google", "csrf_mismatch")); got != 1 {
		t.Fatalf("expected 1 csrf mismatch, got %v", got)
	}
	if got := testutil.CollectAndCount(m.exchangeDuration); got != 2 {
		t.Fatalf("expected 2 exchange series, got %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	m.ObserveHTTP(http.MethodGet, "/oauth2/{provider}/authorize", http.StatusFound, time.Millisecond)
	m.RateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`oauth2gate_http_requests_total{method="GET",route="/oauth2/{provider}/authorize",status="302"} 1`,
		`oauth2gate_rate_limited_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
