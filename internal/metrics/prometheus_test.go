package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(TargetNotFound)
	m.Add(HireConflict, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE taktek_signal_events_total counter",
		`taktek_signal_events_total{event="hire_conflict"} 2`,
		`taktek_signal_events_total{event="target_not_found"} 1`,
		`taktek_signal_events_total{event="quote\"back\\slash"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "taktek_signal_online_peers") {
		t.Fatalf("gauges emitted without a source:\n%s", body)
	}
}

func TestPrometheusHandler_OnlineGauges(t *testing.T) {
	m := New()
	online := func() map[string]int {
		return map[string]int{"user": 3, "technician": 1}
	}

	rr := httptest.NewRecorder()
	PrometheusHandler(m, online).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE taktek_signal_online_peers gauge",
		`taktek_signal_online_peers{role="technician"} 1`,
		`taktek_signal_online_peers{role="user"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_NilAndZeroValue(t *testing.T) {
	var nilM *Metrics
	nilM.Inc("x")
	if got := nilM.Get("x"); got != 0 {
		t.Fatalf("nil Get=%d, want 0", got)
	}

	var zero Metrics
	zero.Inc("x")
	zero.Inc("x")
	if got := zero.Get("x"); got != 2 {
		t.Fatalf("Get=%d, want 2", got)
	}
	snap := zero.Snapshot()
	snap["x"] = 100
	if got := zero.Get("x"); got != 2 {
		t.Fatalf("snapshot aliased internal state: Get=%d", got)
	}
}
